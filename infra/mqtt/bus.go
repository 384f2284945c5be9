// Package mqtt implements the engine message bus on top of Eclipse Paho.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/monitoring"
)

const (
	defaultRetries = 3
	defaultBackoff = 100 * time.Millisecond
	quiesceMS      = 250
)

type subscription struct {
	pattern bus.Pattern
	handler bus.Handler
}

// Bus implements bus.MessageBus with a Paho client. Subscriptions are
// restored on every reconnect.
type Bus struct {
	cli        pahoClient
	cfg        Config
	log        logger.Logger
	mon        monitoring.Monitor
	maxRetries int
	backoff    time.Duration

	mu   sync.Mutex
	subs []subscription
}

// NewBus connects to the broker.
func NewBus(cfg Config, log logger.Logger, mon monitoring.Monitor) (*Bus, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	b := &Bus{
		cfg:        cfg,
		log:        logger.OrNop(log),
		mon:        monitoring.OrNop(mon),
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
	}
	if b.maxRetries <= 0 {
		b.maxRetries = defaultRetries
	}
	if b.backoff <= 0 {
		b.backoff = defaultBackoff
	}

	opts.OnConnect = func(c paho.Client) {
		b.log.Infof("MQTT connected to %s", cfg.Broker)
		b.announce(c, statusOnline)
		b.resubscribe(c)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		b.log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		b.log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	b.cli = c
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", model.ErrDownstreamUnavailable, cfg.Broker, token.Error())
	}
	return b, nil
}

func (b *Bus) resubscribe(c pahoClient) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		if err := b.subscribe(c, s); err != nil {
			b.log.Errorf("subscribe error: %v", err)
		}
	}
}

func (b *Bus) subscribe(c pahoClient, s subscription) error {
	filter := s.pattern.Filter()
	token := c.Subscribe(filter, b.cfg.qos(QoSSubscribe), func(_ paho.Client, msg paho.Message) {
		params, ok := s.pattern.Match(msg.Topic())
		if !ok {
			return
		}
		s.handler(context.Background(), msg.Topic(), msg.Payload(), params)
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", filter, token.Error())
	}
	return nil
}

// Subscribe implements bus.MessageBus. {name} segments become MQTT "+"
// wildcards and are handed to h as parameters.
func (b *Bus) Subscribe(pattern string, h bus.Handler) error {
	p, err := bus.Compile(pattern)
	if err != nil {
		return err
	}
	s := subscription{pattern: p, handler: h}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	if !b.cli.IsConnected() {
		return nil
	}
	return b.subscribe(b.cli, s)
}

// Publish implements bus.MessageBus. Failed publishes are retried with
// exponential backoff until the retry budget or ctx runs out.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := bus.Encode(payload)
	if err != nil {
		return err
	}
	qos := b.cfg.qos(QoSPublish)
	var publishErr error
	for attempt := 0; ; attempt++ {
		token := b.cli.Publish(topic, qos, false, data)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			b.log.Debugf("published %d bytes to %s", len(data), topic)
			return nil
		}
		b.log.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		if attempt >= b.maxRetries {
			break
		}
		if err := sleep(ctx, b.backoff*time.Duration(1<<attempt)); err != nil {
			publishErr = err
			break
		}
	}
	err = fmt.Errorf("%w: publish %s: %v", model.ErrDownstreamUnavailable, topic, publishErr)
	b.mon.CaptureException(err, map[string]string{"module": "mqtt", "topic": topic})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close gracefully closes the MQTT connection. A clean disconnect does not
// fire the will, so the offline status is published here.
func (b *Bus) Close() {
	if b.cli != nil && b.cli.IsConnected() {
		b.announce(b.cli, statusOffline)
		b.cli.Disconnect(quiesceMS)
	}
}

func (b *Bus) announce(c pahoClient, status string) {
	if b.cfg.StatusTopic == "" {
		return
	}
	token := c.Publish(b.cfg.StatusTopic, b.cfg.qos(QoSPublish), true, status)
	if token.WaitTimeout(time.Second) && token.Error() != nil {
		b.log.Warnf("publish %s status: %v", status, token.Error())
	}
}

var _ bus.MessageBus = (*Bus)(nil)
