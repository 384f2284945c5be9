// Package execution publishes allocate and release commands for response
// plans and records the outcome of each allocation on the stored plan.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/events"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/registry"
)

var (
	// ErrAlreadyExecuted is returned when a plan's commands were already sent.
	ErrAlreadyExecuted = errors.New("plan already executed")
	// ErrAlreadyReleased is returned when a plan was already released.
	ErrAlreadyReleased = errors.New("plan already released")
)

// Result lists the resources whose command was published and those whose
// command failed.
type Result struct {
	Succeeded []string
	Failed    []string
}

// Total is the number of commands attempted.
func (r Result) Total() int { return len(r.Succeeded) + len(r.Failed) }

// Executor sends device commands for response plans.
type Executor struct {
	bus    bus.MessageBus
	reg    registry.Repository
	events events.Publisher
	log    logger.Logger
	now    func() time.Time
	newID  func() string
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(x *Executor) { x.now = now } }

// WithEvents publishes a Command event for every attempt.
func WithEvents(p events.Publisher) Option { return func(x *Executor) { x.events = events.OrNop(p) } }

// WithIDs overrides command id generation.
func WithIDs(gen func() string) Option { return func(x *Executor) { x.newID = gen } }

// New returns an Executor publishing on b and recording state in reg.
func New(b bus.MessageBus, reg registry.Repository, log logger.Logger, opts ...Option) *Executor {
	x := &Executor{
		bus:    b,
		reg:    reg,
		events: events.Nop{},
		log:    logger.OrNop(log),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

type outcome struct {
	commandID string
	err       error
}

// Execute publishes one allocate command per planned allocation. The plan is
// claimed atomically first, so concurrent or repeated calls send nothing and
// return ErrAlreadyExecuted. Publish failures mark the allocation failed and
// are reported in the Result; they are not returned as errors.
func (x *Executor) Execute(ctx context.Context, planID int64, ev model.Event) (Result, error) {
	now := x.now()
	plan, err := x.reg.UpdatePlan(planID, func(p *model.ResponsePlan) error {
		if p.ExecutedAt != nil {
			return ErrAlreadyExecuted
		}
		p.ExecutedAt = &now
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	until := ev.EndTime
	cmds := make([]bus.DeviceCommand, 0, len(plan.Allocations))
	for _, a := range plan.Allocations {
		if a.State != model.AllocationPlanned {
			continue
		}
		cmds = append(cmds, bus.DeviceCommand{
			CommandID:       x.newID(),
			ResourceID:      a.ResourceID,
			Action:          bus.ActionAllocate,
			ParticipationID: plan.ParticipationID,
			EventID:         ev.ID,
			Direction:       string(ev.Direction),
			PowerKW:         a.TargetCapacityKW,
			Constraints:     a.Constraints,
			Until:           &until,
			Timestamp:       now,
		})
	}
	outcomes := x.send(ctx, cmds)

	res := Result{}
	_, err = x.reg.UpdatePlan(planID, func(p *model.ResponsePlan) error {
		for id, o := range outcomes {
			a := p.Allocation(id)
			if a == nil {
				continue
			}
			a.CommandID = o.commandID
			if o.err != nil {
				a.State = model.AllocationFailed
			} else {
				a.State = model.AllocationExecuted
			}
		}
		return nil
	})
	for _, c := range cmds {
		if outcomes[c.ResourceID].err != nil {
			res.Failed = append(res.Failed, c.ResourceID)
		} else {
			res.Succeeded = append(res.Succeeded, c.ResourceID)
		}
	}
	if err != nil {
		return res, fmt.Errorf("record execution of plan %d: %w", planID, err)
	}
	return res, nil
}

// Release publishes one release command per executed allocation. Only the
// first call for a plan sends commands; later calls return ErrAlreadyReleased.
func (x *Executor) Release(ctx context.Context, planID int64, ev model.Event) (Result, error) {
	now := x.now()
	plan, err := x.reg.UpdatePlan(planID, func(p *model.ResponsePlan) error {
		if p.ReleasedAt != nil {
			return ErrAlreadyReleased
		}
		p.ReleasedAt = &now
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var cmds []bus.DeviceCommand
	for _, a := range plan.Allocations {
		if a.State != model.AllocationExecuted {
			continue
		}
		cmds = append(cmds, bus.DeviceCommand{
			CommandID:       x.newID(),
			ResourceID:      a.ResourceID,
			Action:          bus.ActionRelease,
			ParticipationID: plan.ParticipationID,
			EventID:         ev.ID,
			Direction:       string(ev.Direction),
			Timestamp:       now,
		})
	}
	outcomes := x.send(ctx, cmds)

	res := Result{}
	_, err = x.reg.UpdatePlan(planID, func(p *model.ResponsePlan) error {
		for id, o := range outcomes {
			if a := p.Allocation(id); a != nil && o.err == nil {
				a.State = model.AllocationReleased
			}
		}
		return nil
	})
	for _, c := range cmds {
		if outcomes[c.ResourceID].err != nil {
			res.Failed = append(res.Failed, c.ResourceID)
		} else {
			res.Succeeded = append(res.Succeeded, c.ResourceID)
		}
	}
	if err != nil {
		return res, fmt.Errorf("record release of plan %d: %w", planID, err)
	}
	return res, nil
}

// send publishes the commands concurrently and collects one outcome per resource.
func (x *Executor) send(ctx context.Context, cmds []bus.DeviceCommand) map[string]outcome {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]outcome, len(cmds))
	)
	for _, c := range cmds {
		wg.Add(1)
		go func(c bus.DeviceCommand) {
			defer wg.Done()
			start := time.Now()
			err := x.bus.Publish(ctx, bus.CommandTopic(c.ResourceID), c)
			publishLatency.WithLabelValues(c.Action).Observe(time.Since(start).Seconds())
			result := "ok"
			if err != nil {
				result = "error"
				err = fmt.Errorf("%w: publish %s to %s: %v", model.ErrDownstreamUnavailable, c.Action, c.ResourceID, err)
				x.log.Errorf("execution: %v", err)
			}
			commandsTotal.WithLabelValues(c.Action, result).Inc()
			x.events.Publish(events.Command{
				CommandID:       c.CommandID,
				ResourceID:      c.ResourceID,
				Action:          c.Action,
				ParticipationID: c.ParticipationID,
				EventID:         c.EventID,
				PowerKW:         c.PowerKW,
				Err:             err,
				Time:            c.Timestamp,
			})
			mu.Lock()
			out[c.ResourceID] = outcome{commandID: c.CommandID, err: err}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return out
}
