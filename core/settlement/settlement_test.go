package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/vpp/core/ledger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/registry"
)

func participating(t *testing.T, accepted float64, rate *float64, actuals ...float64) (*registry.MemoryRegistry, model.Participation, time.Time) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	prog, err := reg.AddProgram(model.Program{Name: "dr", Type: model.ProgramDemandResponse, CompensationRate: 0.2, Currency: "EUR"})
	require.NoError(t, err)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev, err := reg.AddEvent(model.Event{ProgramID: prog.ID, StartTime: start, EndTime: start.Add(time.Hour), Direction: model.DirectionDecrease, RequestedCapacityKW: 100, CompensationRate: rate})
	require.NoError(t, err)
	part, err := reg.AddParticipation(model.Participation{EventID: ev.ID, SiteID: 1, Status: model.ParticipationParticipating, AcceptedCapacityKW: accepted, StartTime: &start})
	require.NoError(t, err)
	for i, a := range actuals {
		_, err := reg.AppendMetrics(model.Metrics{ParticipationID: part.ID, Timestamp: start.Add(time.Duration(i) * time.Minute), Aggregate: model.AggregateSample{ActualCapacityKW: a}})
		require.NoError(t, err)
	}
	return reg, part, start.Add(time.Hour)
}

func TestSettleMeanAndPerformance(t *testing.T) {
	reg, part, end := participating(t, 60, nil, 58, 59, 60)
	store := ledger.NewMemoryStore()
	got, err := New(reg, store, nil).Settle(context.Background(), part.ID, end)
	require.NoError(t, err)
	assert.InDelta(t, 59, got.ActualResponseKW, 1e-9)
	assert.InDelta(t, 98.33, got.Performance, 0.01)
	assert.InDelta(t, 11.8, got.Compensation, 1e-9)
	assert.Equal(t, "EUR", got.Currency)
	require.NotNil(t, got.SettledAt)

	entries, err := store.Query(context.Background(), ledger.Query{SiteID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "11.80", entries[0].Compensation.StringFixed(2))
}

func TestSettleUsesEventRateOverride(t *testing.T) {
	rate := 1.0
	reg, part, end := participating(t, 10, &rate, 10)
	got, err := New(reg, nil, nil).Settle(context.Background(), part.ID, end)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Compensation)
}

func TestSettleExactlyOnce(t *testing.T) {
	reg, part, end := participating(t, 60, nil, 60)
	eng := New(reg, nil, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Settle(context.Background(), part.ID, end); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadySettled)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	entries, _ := eng.Ledger().Query(context.Background(), ledger.Query{})
	assert.Len(t, entries, 1)
}

func TestComputeEdgeCases(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	f := Compute(nil, 50, start, start.Add(time.Hour), 0.3)
	assert.Zero(t, f.ActualResponseKW)
	assert.Zero(t, f.Performance)
	assert.True(t, f.Compensation.IsZero())

	f = Compute([]model.Metrics{{Aggregate: model.AggregateSample{ActualCapacityKW: 80}}}, 0, start, start.Add(time.Hour), 0.3)
	assert.Zero(t, f.Performance, "no accepted capacity means no performance")

	f = Compute([]model.Metrics{{Aggregate: model.AggregateSample{ActualCapacityKW: 80}}}, 40, start, start.Add(30*time.Minute), 0.3)
	assert.Equal(t, 100.0, f.Performance)
	assert.True(t, f.Compensation.Equal(decimal.RequireFromString("12")))

	f = Compute([]model.Metrics{{Aggregate: model.AggregateSample{ActualCapacityKW: 10}}}, 10, start, start.Add(-time.Hour), 0.3)
	assert.Zero(t, f.DurationHours)
	assert.True(t, f.Compensation.IsZero())

	f = Compute([]model.Metrics{{Aggregate: model.AggregateSample{ActualCapacityKW: -5}}}, 10, start, start.Add(time.Hour), 0.3)
	assert.True(t, f.Compensation.IsZero())
	assert.Zero(t, f.Performance)
}
