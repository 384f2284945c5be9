// Package ledger persists settlement entries so compensation can be audited
// and queried by site, program, event or time range.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when a participation already has an entry in the
// current run.
var ErrDuplicate = errors.New("ledger entry already recorded")

// Entry is the settlement of one participation.
type Entry struct {
	ParticipationID  int64           `json:"participation_id"`
	EventID          int64           `json:"event_id"`
	ProgramID        int64           `json:"program_id"`
	SiteID           int64           `json:"site_id"`
	AcceptedKW       float64         `json:"accepted_kw"`
	ActualResponseKW float64         `json:"actual_response_kw"`
	Performance      float64         `json:"performance"`
	DurationHours    float64         `json:"duration_hours"`
	Rate             decimal.Decimal `json:"rate"`
	Compensation     decimal.Decimal `json:"compensation"`
	Currency         string          `json:"currency,omitempty"`
	SettledAt        time.Time       `json:"settled_at"`

	// Run identifies the process lifetime that wrote the entry. Participation
	// ids restart with each run.
	Run string `json:"run,omitempty"`
}

// Query filters entries. Zero fields do not filter.
type Query struct {
	Start     time.Time
	End       time.Time
	SiteID    int64
	ProgramID int64
	EventID   int64
}

// Match reports whether e satisfies q.
func (q Query) Match(e Entry) bool {
	if !q.Start.IsZero() && e.SettledAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.SettledAt.After(q.End) {
		return false
	}
	if q.SiteID != 0 && e.SiteID != q.SiteID {
		return false
	}
	if q.ProgramID != 0 && e.ProgramID != q.ProgramID {
		return false
	}
	if q.EventID != 0 && e.EventID != q.EventID {
		return false
	}
	return true
}

// Store persists entries and supports querying.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Query(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}

// Total sums the compensation of entries.
func Total(entries []Entry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Compensation)
	}
	return sum
}

// Config selects and configures the ledger backend.
type Config struct {
	Backend    string `json:"backend"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Backends.
const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Open builds the Store described by cfg. An empty backend selects memory.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendJSONL:
		return NewRotatingJSONLStore(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	case BackendSQLite:
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
