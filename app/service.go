// Package app wires the orchestration engine to its transports, stores and
// control loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/vpp/config"
	"github.com/kilianp07/vpp/core/allocation"
	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/devices"
	"github.com/kilianp07/vpp/core/engine"
	"github.com/kilianp07/vpp/core/events"
	"github.com/kilianp07/vpp/core/execution"
	"github.com/kilianp07/vpp/core/fixtures"
	"github.com/kilianp07/vpp/core/inbound"
	"github.com/kilianp07/vpp/core/ledger"
	coremetrics "github.com/kilianp07/vpp/core/metrics"
	"github.com/kilianp07/vpp/core/monitor"
	"github.com/kilianp07/vpp/core/monitoring"
	"github.com/kilianp07/vpp/core/notify"
	"github.com/kilianp07/vpp/core/registry"
	"github.com/kilianp07/vpp/core/scheduler"
	"github.com/kilianp07/vpp/core/settlement"
	"github.com/kilianp07/vpp/infra/logger"
	"github.com/kilianp07/vpp/infra/metrics"
	inframon "github.com/kilianp07/vpp/infra/monitoring"
	"github.com/kilianp07/vpp/infra/mqtt"
	"github.com/kilianp07/vpp/infra/telemetry"
	"github.com/kilianp07/vpp/internal/eventbus"
)

// Service holds every runtime component of the engine.
type Service struct {
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Monitor   *monitor.Monitor
	Directory *devices.MemoryDirectory
	Registry  *registry.MemoryRegistry
	Bus       bus.MessageBus

	cfg       *config.Config
	events    *eventbus.TypedBus[events.Event]
	sink      coremetrics.Sink
	inbound   *inbound.Adapter
	telemetry *telemetry.Manager
	ledger    ledger.Store
	mon       monitoring.Monitor
	log       logger.Logger
	now       func() time.Time
	promReg   prometheus.Registerer
	gatherer  prometheus.Gatherer
	closers   []func() error
}

// Option customises a Service.
type Option func(*Service)

// WithBus replaces the MQTT bus, typically with a bus.MemoryBus.
func WithBus(b bus.MessageBus) Option { return func(s *Service) { s.Bus = b } }

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithPrometheus registers service collectors on reg and serves it on the
// metrics endpoint instead of the default registry.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(s *Service) { s.promReg, s.gatherer = reg, reg }
}

// WithMonitor replaces the Sentry monitor.
func WithMonitor(m monitoring.Monitor) Option { return func(s *Service) { s.mon = m } }

// New builds a Service from the configuration. Without a configured broker
// the service runs on an in-process bus.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:       cfg,
		log:       logger.New("service"),
		now:       time.Now,
		Directory: devices.NewMemoryDirectory(),
		Registry:  registry.NewMemoryRegistry(),
		events:    eventbus.NewTyped[events.Event](),
		promReg:   prometheus.DefaultRegisterer,
		gatherer:  prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(s)
	}
	s.Registry.SetClock(s.now)
	s.Directory.SetClock(s.now)
	if err := s.build(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build() error {
	cfg := s.cfg
	if s.mon == nil {
		mon, err := inframon.NewSentryMonitor(cfg.Sentry)
		if err != nil {
			return fmt.Errorf("sentry: %w", err)
		}
		s.mon = mon
	}

	if s.Bus == nil {
		if cfg.MQTT.Broker == "" {
			s.log.Warnf("no mqtt broker configured, using in-process bus")
			s.Bus = bus.NewMemoryBus()
		} else {
			b, err := mqtt.NewBus(cfg.MQTT, logger.New("mqtt"), s.mon)
			if err != nil {
				return fmt.Errorf("mqtt bus: %w", err)
			}
			s.Bus = b
			s.closers = append(s.closers, func() error { b.Close(); return nil })
		}
	}

	store, err := ledger.Open(cfg.Ledger.Store())
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	s.ledger = store
	s.closers = append(s.closers, store.Close)

	sink, err := coremetrics.NewSink(cfg.Metrics.Sinks)
	if err != nil {
		return fmt.Errorf("metrics sink: %w", err)
	}
	s.sink = sink

	planner := allocation.New(s.Directory, logger.New("allocation"))
	notifier := notify.New(s.Registry, planner, s.Bus, logger.New("notify"),
		notify.WithClock(s.now),
		notify.WithLead(cfg.Scheduler.Lead()),
		notify.WithEvents(s.events),
		notify.WithMonitor(s.mon))
	s.Monitor = monitor.New(s.Registry, s.Directory, logger.New("monitor"),
		monitor.WithClock(s.now),
		monitor.WithEvents(s.events),
		monitor.WithMonitor(s.mon))
	settler := settlement.New(s.Registry, store, logger.New("settlement"),
		settlement.WithClock(s.now),
		settlement.WithEvents(s.events))
	s.Scheduler = scheduler.New(scheduler.Deps{
		Registry: s.Registry,
		Executor: execution.New(s.Bus, s.Registry, logger.New("execution"),
			execution.WithClock(s.now), execution.WithEvents(s.events)),
		Sampler: s.Monitor,
		Settler: settler,
		Planner: planner,
		Bus:     s.Bus,
		Events:  s.events,
		Monitor: s.mon,
		Logger:  logger.New("scheduler"),
		Clock:   s.now,
	})
	s.Engine, err = engine.New(engine.Deps{
		Registry:  s.Registry,
		Planner:   planner,
		Notifier:  notifier,
		Canceller: s.Scheduler,
		Ledger:    store,
		Events:    s.events,
		Logger:    logger.New("engine"),
		Clock:     s.now,
	})
	if err != nil {
		return err
	}

	s.inbound = inbound.New(s.Bus, s.Engine, logger.New("inbound"), s.mon)
	if err := s.inbound.Start(); err != nil {
		return fmt.Errorf("inbound: %w", err)
	}
	if cfg.Telemetry.Enabled {
		s.telemetry = telemetry.NewManager(cfg.Telemetry, s.Bus, s.Directory, logger.New("telemetry"), s.mon,
			telemetry.WithClock(s.now),
			telemetry.WithRegisterer(s.promReg))
		if err := s.telemetry.Start(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	return nil
}

// Seed loads fixture entities through the engine. Event windows are anchored
// at the service clock.
func (s *Service) Seed(ctx context.Context, fx fixtures.Fixture) (fixtures.Result, error) {
	res, err := fixtures.Seed(ctx, s.Engine, s.Directory, fx, s.now())
	if err != nil {
		return res, err
	}
	s.log.Infof("seeded fixture %q: %d programs, %d devices, %d enrollments, %d events",
		fx.Name, len(res.Programs), res.Devices, res.Enrollments, len(res.Events))
	return res, nil
}

// Run starts the control loops and blocks until ctx is cancelled or a
// component fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	done := metrics.StartEventCollector(ctx, s.events, s.sink, logger.New("metrics"))
	g.Go(func() error {
		<-done
		return nil
	})
	g.Go(func() error {
		s.Scheduler.Run(ctx, s.cfg.Scheduler.Tick())
		return nil
	})
	g.Go(func() error {
		s.Monitor.Run(ctx, s.cfg.Scheduler.MonitorInterval())
		return nil
	})
	if s.telemetry != nil {
		g.Go(func() error {
			s.telemetry.Run(ctx)
			return nil
		})
	}
	if addr := s.cfg.Metrics.ListenAddr; addr != "" {
		g.Go(func() error {
			if err := metrics.StartPromServer(ctx, addr, s.gatherer, logger.New("prometheus")); err != nil {
				return fmt.Errorf("prom server: %w", err)
			}
			return nil
		})
	}
	s.log.Infof("service started: tick=%s monitor=%s", s.cfg.Scheduler.Tick(), s.cfg.Scheduler.MonitorInterval())
	err := g.Wait()
	s.log.Infof("service stopped")
	return err
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	s.events.Close()
	if s.mon != nil {
		s.mon.Flush(2 * time.Second)
	}
	return errors.Join(errs...)
}
