// Package inbound translates messages received on the bus into engine
// operations: program events announced by external operators and site
// answers to event notifications. Bad or out-of-date messages are logged and
// dropped; nothing received here can stop the engine.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/monitoring"
)

// Engine is the subset of engine operations driven by inbound messages.
type Engine interface {
	CreateExternalEvent(ctx context.Context, programID int64, in bus.ExternalEvent) (model.Event, error)
	AcceptEvent(ctx context.Context, eventID, siteID int64, capacity *float64) (model.Participation, error)
	RejectEvent(ctx context.Context, eventID, siteID int64) (model.Participation, error)
}

// Message kinds used as metric labels.
const (
	kindExternal = "external_event"
	kindResponse = "site_response"
)

// Outcomes used as metric labels.
const (
	resultOK        = "ok"
	resultMalformed = "malformed"
	resultDropped   = "dropped"
	resultError     = "error"
)

// Adapter is the InboundEventAdapter.
type Adapter struct {
	bus bus.MessageBus
	eng Engine
	mon monitoring.Monitor
	log logger.Logger
}

// New returns an Adapter. Call Start to subscribe.
func New(b bus.MessageBus, eng Engine, log logger.Logger, mon monitoring.Monitor) *Adapter {
	return &Adapter{bus: b, eng: eng, log: logger.OrNop(log), mon: monitoring.OrNop(mon)}
}

// Start subscribes to external events and site responses.
func (a *Adapter) Start() error {
	if err := a.bus.Subscribe(bus.ExternalEventPattern, a.guarded(kindExternal, a.handleExternal)); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.ExternalEventPattern, err)
	}
	if err := a.bus.Subscribe(bus.SiteResponsePattern, a.guarded(kindResponse, a.handleResponse)); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SiteResponsePattern, err)
	}
	a.log.Infof("inbound: listening on %s and %s", bus.ExternalEventPattern, bus.SiteResponsePattern)
	return nil
}

type handleFunc func(ctx context.Context, topic string, payload []byte, params map[string]string) string

func (a *Adapter) guarded(kind string, h handleFunc) bus.Handler {
	return func(ctx context.Context, topic string, payload []byte, params map[string]string) {
		result := resultError
		err := monitoring.Guard(a.mon, map[string]string{"component": "inbound", "topic": topic}, func() error {
			result = h(ctx, topic, payload, params)
			return nil
		})
		if err != nil {
			a.log.Errorf("inbound: %s: %v", topic, err)
			result = resultError
		}
		messagesTotal.WithLabelValues(kind, result).Inc()
	}
}

func (a *Adapter) handleExternal(ctx context.Context, topic string, payload []byte, params map[string]string) string {
	programID, err := strconv.ParseInt(params["programId"], 10, 64)
	if err != nil || programID <= 0 {
		a.log.Warnf("inbound: %s: bad program id %q", topic, params["programId"])
		return resultMalformed
	}
	var in bus.ExternalEvent
	if err := json.Unmarshal(payload, &in); err != nil {
		a.log.Warnf("inbound: %s: malformed event: %v", topic, err)
		return resultMalformed
	}
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		a.log.Warnf("inbound: %s: event without window", topic)
		return resultMalformed
	}
	ev, err := a.eng.CreateExternalEvent(ctx, programID, in)
	switch {
	case err == nil:
		a.log.Infof("inbound: external event %q created as event %d", in.ExternalID, ev.ID)
		return resultOK
	case ev.ID != 0:
		// Stored but notification failed.
		a.log.Errorf("inbound: external event %d: %v", ev.ID, err)
		return resultError
	default:
		return a.drop(topic, err)
	}
}

func (a *Adapter) handleResponse(ctx context.Context, topic string, payload []byte, params map[string]string) string {
	eventID, err1 := strconv.ParseInt(params["eventId"], 10, 64)
	siteID, err2 := strconv.ParseInt(params["siteId"], 10, 64)
	if err1 != nil || err2 != nil || eventID <= 0 || siteID <= 0 {
		a.log.Warnf("inbound: %s: bad ids", topic)
		return resultMalformed
	}
	var resp bus.SiteResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		a.log.Warnf("inbound: %s: malformed response: %v", topic, err)
		return resultMalformed
	}
	var part model.Participation
	var err error
	switch resp.Action {
	case bus.ResponseAccept:
		part, err = a.eng.AcceptEvent(ctx, eventID, siteID, resp.CapacityKW)
	case bus.ResponseReject:
		part, err = a.eng.RejectEvent(ctx, eventID, siteID)
	default:
		a.log.Warnf("inbound: %s: unknown action %q", topic, resp.Action)
		return resultMalformed
	}
	if err != nil {
		return a.drop(topic, err)
	}
	a.log.Infof("inbound: site %d %s event %d (participation %d, %.2f kW)",
		siteID, part.Status, eventID, part.ID, part.AcceptedCapacityKW)
	return resultOK
}

// drop logs expected rejections at warn level and anything else as an error.
func (a *Adapter) drop(topic string, err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrDuplicate):
		a.log.Warnf("inbound: %s dropped: %v", topic, err)
		return resultDropped
	}
	a.log.Errorf("inbound: %s: %v", topic, err)
	a.mon.CaptureException(err, map[string]string{"component": "inbound", "topic": topic})
	return resultError
}
