// Package engine exposes the caller-facing operations of the orchestration
// engine: program, enrollment and event management, site responses, metrics
// and settlement queries. An Engine is built once at process start and holds
// every collaborator explicitly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kilianp07/vpp/core/events"
	"github.com/kilianp07/vpp/core/ledger"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/notify"
	"github.com/kilianp07/vpp/core/registry"
)

// Notifier fans an event out to enrolled sites.
type Notifier interface {
	NotifyEvent(ctx context.Context, eventID int64) (notify.Summary, error)
}

// Canceller cancels events and drains their participations.
type Canceller interface {
	CancelEvent(ctx context.Context, eventID int64) (model.Event, error)
}

// Deps groups the collaborators of an Engine. Registry, Planner, Notifier
// and Canceller are required.
type Deps struct {
	Registry  registry.Repository
	Planner   notify.Planner
	Notifier  Notifier
	Canceller Canceller
	Ledger    ledger.Store
	Events    events.Publisher
	Logger    logger.Logger
	Clock     func() time.Time
}

// Engine is the entry point used by the calling layer.
type Engine struct {
	reg      registry.Repository
	planner  notify.Planner
	notifier Notifier
	cancel   Canceller
	ledger   ledger.Store
	events   events.Publisher
	log      logger.Logger
	now      func() time.Time
	validate *validator.Validate
}

// New returns an Engine.
func New(d Deps) (*Engine, error) {
	if d.Registry == nil || d.Planner == nil || d.Notifier == nil || d.Canceller == nil {
		return nil, errors.New("engine: registry, planner, notifier and canceller are required")
	}
	e := &Engine{
		reg:      d.Registry,
		planner:  d.Planner,
		notifier: d.Notifier,
		cancel:   d.Canceller,
		ledger:   d.Ledger,
		events:   events.OrNop(d.Events),
		log:      logger.OrNop(d.Logger),
		now:      d.Clock,
		validate: validator.New(),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.ledger == nil {
		e.ledger = ledger.NewMemoryStore()
	}
	return e, nil
}

// Registry returns the underlying repository.
func (e *Engine) Registry() registry.Repository { return e.reg }

// check validates struct tags and maps failures onto model.ErrInvalidInput.
func (e *Engine) check(v any) error {
	err := e.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return model.Invalid("%s failed %q (value %v)", f.Namespace(), f.Tag(), f.Value())
	}
	return fmt.Errorf("%v: %w", err, model.ErrInvalidInput)
}

// Metrics returns every sample recorded for a participation.
func (e *Engine) Metrics(participationID int64) ([]model.Metrics, error) {
	if _, err := e.reg.Participation(participationID); err != nil {
		return nil, err
	}
	return e.reg.MetricsByParticipation(participationID), nil
}

// LatestMetrics returns the newest sample of a participation.
func (e *Engine) LatestMetrics(participationID int64) (model.Metrics, error) {
	return e.reg.LatestMetrics(participationID)
}

// Participation returns one participation.
func (e *Engine) Participation(id int64) (model.Participation, error) {
	return e.reg.Participation(id)
}

// Participations lists the participations of an event.
func (e *Engine) Participations(eventID int64) ([]model.Participation, error) {
	if _, err := e.reg.Event(eventID); err != nil {
		return nil, err
	}
	return e.reg.ParticipationsByEvent(eventID), nil
}

// Plan returns the response plan of a participation.
func (e *Engine) Plan(participationID int64) (model.ResponsePlan, error) {
	return e.reg.PlanByParticipation(participationID)
}

// Settlements queries the settlement ledger.
func (e *Engine) Settlements(ctx context.Context, q ledger.Query) ([]ledger.Entry, error) {
	return e.ledger.Query(ctx, q)
}

func (e *Engine) transition(entity string, id, eventID, site int64, from, to string) {
	e.events.Publish(events.Transition{
		Entity:  entity,
		ID:      id,
		EventID: eventID,
		SiteID:  site,
		From:    from,
		To:      to,
		Time:    e.now(),
	})
}
