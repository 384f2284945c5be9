package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(part, site int64, at time.Time, comp string) Entry {
	return Entry{
		ParticipationID: part, EventID: 1, ProgramID: 7, SiteID: site,
		AcceptedKW: 60, ActualResponseKW: 59, Performance: 98.33, DurationHours: 1,
		Rate: decimal.RequireFromString("0.25"), Compensation: decimal.RequireFromString(comp),
		Currency: "EUR", SettledAt: at,
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	jsonl, err := Open(Config{Backend: BackendJSONL, Path: filepath.Join(dir, "ledger.jsonl"), MaxSizeMB: 1, MaxBackups: 2})
	require.NoError(t, err)
	sqlite, err := Open(Config{Backend: BackendSQLite, Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())})
	require.NoError(t, err)
	mem, err := Open(Config{})
	require.NoError(t, err)
	stores := map[string]Store{"memory": mem, "jsonl": jsonl, "sqlite": sqlite}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStores(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Append(ctx, entry(1, 10, t0, "14.75")))
			require.NoError(t, store.Append(ctx, entry(2, 11, t0.Add(time.Hour), "3.10")))
			assert.ErrorIs(t, store.Append(ctx, entry(1, 10, t0, "1")), ErrDuplicate)

			all, err := store.Query(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, int64(1), all[0].ParticipationID)
			assert.True(t, all[0].Compensation.Equal(decimal.RequireFromString("14.75")))
			assert.True(t, Total(all).Equal(decimal.RequireFromString("17.85")))

			bySite, err := store.Query(ctx, Query{SiteID: 11})
			require.NoError(t, err)
			require.Len(t, bySite, 1)
			assert.Equal(t, int64(2), bySite[0].ParticipationID)

			late, err := store.Query(ctx, Query{Start: t0.Add(time.Minute), ProgramID: 7})
			require.NoError(t, err)
			assert.Len(t, late, 1)

			none, err := store.Query(ctx, Query{EventID: 99})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestReopenStartsNewRun(t *testing.T) {
	open := map[string]func(dir string) (Store, error){
		"jsonl": func(dir string) (Store, error) {
			return NewRotatingJSONLStore(filepath.Join(dir, "ledger.jsonl"), 1, 1, 1)
		},
		"sqlite": func(dir string) (Store, error) { return NewSQLiteStore(filepath.Join(dir, "ledger.db")) },
	}
	for name, openIn := range open {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			openStore := func() (Store, error) { return openIn(dir) }
			ctx := context.Background()
			t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			s, err := openStore()
			require.NoError(t, err)
			require.NoError(t, s.Append(ctx, entry(1, 1, t0, "1.00")))
			assert.ErrorIs(t, s.Append(ctx, entry(1, 1, t0, "1.00")), ErrDuplicate)
			require.NoError(t, s.Close())

			s, err = openStore()
			require.NoError(t, err)
			defer func() { _ = s.Close() }()
			require.NoError(t, s.Append(ctx, entry(1, 7, t0.Add(time.Hour), "2.00")))

			all, err := s.Query(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.NotEqual(t, all[0].Run, all[1].Run)
			site7, err := s.Query(ctx, Query{SiteID: 7})
			require.NoError(t, err)
			require.Len(t, site7, 1)
			assert.True(t, site7[0].Compensation.Equal(decimal.RequireFromString("2.00")))
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "postgres"})
	assert.Error(t, err)
}
