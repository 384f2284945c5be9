package mqtt

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/model"
)

type recordMonitor struct {
	err  error
	tags map[string]string
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.err = err
	r.tags = tags
}
func (r *recordMonitor) CapturePanic(any, map[string]string) {}
func (r *recordMonitor) Flush(time.Duration)                 {}

func withMock(t *testing.T, mc *mockClient) {
	t.Helper()
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) } })
}

func TestQoSSettings(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	b, err := NewBus(Config{Broker: "tcp://localhost:1883", ClientID: "id", QoS: map[string]byte{QoSPublish: 2, QoSSubscribe: 1}}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(bus.SiteResponsePattern, func(context.Context, string, []byte, map[string]string) {}))
	require.Len(t, mc.subscribed, 1)
	assert.Equal(t, "vpp/events/+/responses/+", mc.subscribed[0].topic)
	assert.Equal(t, byte(1), mc.subscribed[0].qos)

	require.NoError(t, b.Publish(context.Background(), bus.CommandTopic("b1"), bus.DeviceCommand{CommandID: "c"}))
	require.Len(t, mc.published, 1)
	assert.Equal(t, byte(2), mc.published[0].qos)
	assert.Equal(t, "devices/b1/commands/request", mc.published[0].topic)
}

func TestStatusTopicAnnouncesAvailability(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	b, err := NewBus(Config{Broker: "tcp://localhost:1883", ClientID: "id", StatusTopic: "vpp/engine/status", QoS: map[string]byte{QoSPublish: 1}}, nil, nil)
	require.NoError(t, err)
	assert.True(t, mc.opts.WillEnabled)
	assert.Equal(t, "vpp/engine/status", mc.opts.WillTopic)
	assert.Equal(t, "offline", string(mc.opts.WillPayload))
	assert.True(t, mc.opts.WillRetained)

	require.Len(t, mc.published, 1)
	assert.Equal(t, "vpp/engine/status", mc.published[0].topic)
	assert.Equal(t, "online", mc.published[0].payload)
	assert.True(t, mc.published[0].retained)
	assert.Equal(t, byte(1), mc.published[0].qos)

	b.Close()
	require.Len(t, mc.published, 2)
	assert.Equal(t, "offline", mc.published[1].payload)
	assert.True(t, mc.published[1].retained)
}

func TestNoStatusTopicPublishesNothing(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	b, err := NewBus(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, nil, nil)
	require.NoError(t, err)
	assert.False(t, mc.opts.WillEnabled)
	b.Close()
	assert.Empty(t, mc.published)
}

func TestSubscribeDispatchesParams(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	b, err := NewBus(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, nil, nil)
	require.NoError(t, err)

	var got map[string]string
	var payload string
	require.NoError(t, b.Subscribe(bus.SiteResponsePattern, func(_ context.Context, _ string, p []byte, params map[string]string) {
		got, payload = params, string(p)
	}))
	mc.deliver("vpp/events/+/responses/+", "vpp/events/7/responses/3", []byte(`{"action":"accept"}`))
	assert.Equal(t, map[string]string{"eventId": "7", "siteId": "3"}, got)
	assert.Equal(t, `{"action":"accept"}`, payload)

	assert.Error(t, b.Subscribe("a/#/b", nil))
}

func TestSubscriptionsRestoredOnConnect(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	b, err := NewBus(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, nil, nil)
	require.NoError(t, err)

	mc.offline = true
	require.NoError(t, b.Subscribe(bus.DeviceStatePattern, func(context.Context, string, []byte, map[string]string) {}))
	assert.Empty(t, mc.subscribed, "not subscribed while offline")

	mc.offline = false
	mc.opts.OnConnect(mc)
	require.Len(t, mc.subscribed, 1)
	assert.Equal(t, "devices/+/state", mc.subscribed[0].topic)
}

func TestRetryLogic(t *testing.T) {
	mc := &mockClient{publishErrs: []error{fmt.Errorf("net fail"), nil}}
	withMock(t, mc)
	b, err := NewBus(Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "t", []byte("x")))
	assert.Len(t, mc.published, 2)
}

func TestPublishErrorCaptured(t *testing.T) {
	fail := errors.New("net fail")
	mc := &mockClient{publishErrs: []error{fail, fail, fail}}
	withMock(t, mc)
	mon := &recordMonitor{}
	b, err := NewBus(Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 2, BackoffMS: 1}, nil, mon)
	require.NoError(t, err)

	err = b.Publish(context.Background(), bus.CommandTopic("b1"), []byte("{}"))
	assert.ErrorIs(t, err, model.ErrDownstreamUnavailable)
	assert.Len(t, mc.published, 3)
	require.Error(t, mon.err)
	assert.Equal(t, "mqtt", mon.tags["module"])
	assert.Equal(t, "devices/b1/commands/request", mon.tags["topic"])
}

func TestPublishStopsOnCancel(t *testing.T) {
	fail := errors.New("net fail")
	mc := &mockClient{publishErrs: []error{fail, fail, fail, fail}}
	withMock(t, mc)
	b, err := NewBus(Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 3, BackoffMS: 10_000}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.Publish(ctx, "t", []byte("x"))
	assert.ErrorIs(t, err, model.ErrDownstreamUnavailable)
	assert.Len(t, mc.published, 1)
}

func TestConnectFailure(t *testing.T) {
	mc := &failingConnect{}
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) } })
	_, err := NewBus(Config{Broker: "tcp://nowhere:1883", ClientID: "id"}, nil, nil)
	assert.ErrorIs(t, err, model.ErrDownstreamUnavailable)
}

type failingConnect struct{ mockClient }

func (f *failingConnect) Connect() paho.Token { return &dummyToken{err: errors.New("refused")} }
