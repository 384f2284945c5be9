package devices

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/vpp/core/model"
)

func TestMemoryDirectoryResolve(t *testing.T) {
	dir := NewMemoryDirectory()
	_, err := dir.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	dir.Set(Device{ID: "b1", Type: "battery", SiteID: 1, Status: StatusOnline})
	dev, err := dir.Resolve(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, dev.Online())
	assert.False(t, dev.UpdatedAt.IsZero())

	require.NoError(t, dir.SetStatus("b1", StatusOffline))
	dev, _ = dir.Resolve(context.Background(), "b1")
	assert.False(t, dev.Online())
	assert.ErrorIs(t, dir.SetStatus("x", StatusOnline), ErrNotFound)
}

func TestMemoryDirectoryClock(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	dir := NewMemoryDirectory()
	dir.SetClock(func() time.Time { return at })
	dir.Set(Device{ID: "b1", Status: StatusOnline})
	require.NoError(t, dir.SetStatus("b1", StatusOffline))
	dev, _ := dir.Resolve(context.Background(), "b1")
	assert.Equal(t, at, dev.UpdatedAt, "status changes are not state reports")
}

func TestMemoryDirectoryList(t *testing.T) {
	dir := NewMemoryDirectory()
	dir.Set(Device{ID: "b", SiteID: 1})
	dir.Set(Device{ID: "a", SiteID: 1})
	dir.Set(Device{ID: "c", SiteID: 2})
	site1 := dir.List(1)
	require.Len(t, site1, 2)
	assert.Equal(t, "a", site1[0].ID)
	assert.Len(t, dir.List(0), 3)
}

func TestResourceTypeOf(t *testing.T) {
	cases := map[string]model.ResourceType{
		"battery":        model.ResourceBattery,
		"ev_charger":     model.ResourceEVCharger,
		"solar_inverter": model.ResourceGeneration,
		"heat_pump":      model.ResourceFlexibleLoad,
	}
	for in, want := range cases {
		got, ok := ResourceTypeOf(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ResourceTypeOf("smart_meter")
	assert.False(t, ok)
}
