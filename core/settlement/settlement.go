// Package settlement computes the delivered response, performance and
// compensation of a participation once its event has ended.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/vpp/core/events"
	"github.com/kilianp07/vpp/core/ledger"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/registry"
)

// ErrAlreadySettled is returned when settlement figures were already written.
var ErrAlreadySettled = errors.New("participation already settled")

// Figures are the computed settlement values.
type Figures struct {
	ActualResponseKW float64
	Performance      float64
	DurationHours    float64
	Rate             decimal.Decimal
	Compensation     decimal.Decimal
}

// Compute derives settlement figures from the metrics samples. actual is the
// mean delivered capacity; performance is clamped to [0, 100] and is 0 when
// nothing was accepted; compensation is rounded to cents and never negative.
func Compute(samples []model.Metrics, acceptedKW float64, start, end time.Time, rate float64) Figures {
	var f Figures
	if len(samples) > 0 {
		vals := make([]float64, len(samples))
		for i, m := range samples {
			vals[i] = m.Aggregate.ActualCapacityKW
		}
		f.ActualResponseKW = stat.Mean(vals, nil)
	}
	if acceptedKW > 0 {
		f.Performance = math.Max(0, math.Min(100, f.ActualResponseKW/acceptedKW*100))
	}
	f.DurationHours = math.Max(0, end.Sub(start).Seconds()/3600)
	f.Rate = decimal.NewFromFloat(rate)
	comp := decimal.NewFromFloat(f.ActualResponseKW).
		Mul(decimal.NewFromFloat(f.DurationHours)).
		Mul(f.Rate).
		Round(2)
	if comp.IsNegative() {
		comp = decimal.Zero
	}
	f.Compensation = comp
	return f
}

// Engine settles participations and records them in the ledger.
type Engine struct {
	reg    registry.Repository
	ledger ledger.Store
	events events.Publisher
	log    logger.Logger
	now    func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for SettledAt.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithEvents publishes a Settlement event per settled participation.
func WithEvents(p events.Publisher) Option { return func(e *Engine) { e.events = events.OrNop(p) } }

// New returns a settlement Engine. A nil store keeps entries in memory.
func New(reg registry.Repository, store ledger.Store, log logger.Logger, opts ...Option) *Engine {
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	e := &Engine{reg: reg, ledger: store, events: events.Nop{}, log: logger.OrNop(log), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Ledger returns the underlying store.
func (e *Engine) Ledger() ledger.Store { return e.ledger }

// Settle computes and writes the settlement of a participation whose
// delivery ended at end. Figures are written exactly once: a second call
// returns ErrAlreadySettled and leaves the stored values unchanged.
func (e *Engine) Settle(ctx context.Context, participationID int64, end time.Time) (model.Participation, error) {
	part, err := e.reg.Participation(participationID)
	if err != nil {
		return model.Participation{}, err
	}
	if part.Settled() {
		return part, fmt.Errorf("participation %d: %w", part.ID, ErrAlreadySettled)
	}
	ev, err := e.reg.Event(part.EventID)
	if err != nil {
		return model.Participation{}, err
	}
	prog, err := e.reg.Program(ev.ProgramID)
	if err != nil {
		return model.Participation{}, err
	}
	start := ev.StartTime
	if part.StartTime != nil {
		start = *part.StartTime
	}
	fig := Compute(e.reg.MetricsByParticipation(part.ID), part.AcceptedCapacityKW, start, end, ev.Rate(prog))

	now := e.now()
	part, err = e.reg.UpdateParticipation(part.ID, func(p *model.Participation) error {
		if p.SettledAt != nil {
			return fmt.Errorf("participation %d: %w", p.ID, ErrAlreadySettled)
		}
		p.ActualResponseKW = fig.ActualResponseKW
		p.Performance = fig.Performance
		p.Compensation = fig.Compensation.InexactFloat64()
		if p.Currency == "" {
			p.Currency = prog.Currency
		}
		p.SettledAt = &now
		return nil
	})
	if err != nil {
		return part, err
	}

	entry := ledger.Entry{
		ParticipationID:  part.ID,
		EventID:          ev.ID,
		ProgramID:        prog.ID,
		SiteID:           part.SiteID,
		AcceptedKW:       part.AcceptedCapacityKW,
		ActualResponseKW: fig.ActualResponseKW,
		Performance:      fig.Performance,
		DurationHours:    fig.DurationHours,
		Rate:             fig.Rate,
		Compensation:     fig.Compensation,
		Currency:         part.Currency,
		SettledAt:        now,
	}
	if err := e.ledger.Append(ctx, entry); err != nil {
		e.log.Errorf("settlement: ledger append for participation %d: %v", part.ID, err)
	}
	e.events.Publish(events.Settlement{
		ParticipationID:  part.ID,
		EventID:          ev.ID,
		ProgramID:        prog.ID,
		SiteID:           part.SiteID,
		AcceptedKW:       part.AcceptedCapacityKW,
		ActualResponseKW: part.ActualResponseKW,
		Performance:      part.Performance,
		Compensation:     part.Compensation,
		Currency:         part.Currency,
		Time:             now,
	})
	e.log.Infof("settlement: participation %d actual=%.2fkW performance=%.1f%% compensation=%s %s",
		part.ID, fig.ActualResponseKW, fig.Performance, fig.Compensation.StringFixed(2), part.Currency)
	return part, nil
}
