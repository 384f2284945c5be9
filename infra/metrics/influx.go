package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/vpp/core/events"
	coremetrics "github.com/kilianp07/vpp/core/metrics"
	"github.com/kilianp07/vpp/infra/logger"
)

// InfluxSink writes lifecycle events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the underlying HTTP client.
func (s *InfluxSink) Close() { s.client.Close() }

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSample writes the aggregate of a metrics record.
func (s *InfluxSink) RecordSample(ev events.Sample) error {
	a := ev.Metrics.Aggregate
	p := write.NewPointWithMeasurement("participation_sample").
		AddTag("participation_id", idTag(ev.Metrics.ParticipationID)).
		AddTag("event_id", idTag(ev.EventID)).
		AddTag("site_id", idTag(ev.SiteID)).
		AddField("target_kw", round3(a.TargetCapacityKW)).
		AddField("actual_kw", round3(a.ActualCapacityKW)).
		AddField("deviation_kw", round3(a.DeviationKW)).
		AddField("deviation_pct", round3(a.DeviationPercentage)).
		AddField("active_resources", a.ActiveResources).
		AddField("total_resources", a.TotalResources).
		SetTime(ev.Metrics.Timestamp)
	return s.write(p)
}

// RecordTransition records a committed status change.
func (s *InfluxSink) RecordTransition(ev events.Transition) error {
	p := write.NewPointWithMeasurement("status_transition").
		AddTag("entity", ev.Entity).
		AddTag("to", ev.To).
		AddField("id", ev.ID).
		AddField("from", ev.From).
		SetTime(ev.Time)
	if ev.EventID != 0 {
		p = p.AddTag("event_id", idTag(ev.EventID))
	}
	if ev.SiteID != 0 {
		p = p.AddTag("site_id", idTag(ev.SiteID))
	}
	return s.write(p)
}

// RecordCommand records a device command attempt.
func (s *InfluxSink) RecordCommand(ev events.Command) error {
	errStr := ""
	if ev.Err != nil {
		errStr = ev.Err.Error()
	}
	p := write.NewPointWithMeasurement("device_command").
		AddTag("resource_id", ev.ResourceID).
		AddTag("action", ev.Action).
		AddTag("acknowledged", strconv.FormatBool(ev.Err == nil)).
		AddTag("event_id", idTag(ev.EventID)).
		AddField("command_id", ev.CommandID).
		AddField("power_kw", round3(ev.PowerKW)).
		AddField("errors", errStr).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordFallback records a fallback activation.
func (s *InfluxSink) RecordFallback(ev events.Fallback) error {
	p := write.NewPointWithMeasurement("fallback_applied").
		AddTag("participation_id", idTag(ev.ParticipationID)).
		AddTag("event_id", idTag(ev.EventID)).
		AddTag("site_id", idTag(ev.SiteID)).
		AddField("available_pct", round3(ev.AvailablePct)).
		AddField("target_kw", round3(ev.TargetKW)).
		AddField("effective_kw", round3(ev.EffectiveKW)).
		AddField("fallback_reason", ev.Reason).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordSettlement records the outcome of a settled participation.
func (s *InfluxSink) RecordSettlement(ev events.Settlement) error {
	p := write.NewPointWithMeasurement("settlement").
		AddTag("participation_id", idTag(ev.ParticipationID)).
		AddTag("event_id", idTag(ev.EventID)).
		AddTag("program_id", idTag(ev.ProgramID)).
		AddTag("site_id", idTag(ev.SiteID)).
		AddTag("currency", ev.Currency).
		AddField("accepted_kw", round3(ev.AcceptedKW)).
		AddField("actual_kw", round3(ev.ActualResponseKW)).
		AddField("performance", round3(ev.Performance)).
		AddField("compensation", round3(ev.Compensation)).
		SetTime(ev.Time)
	return s.write(p)
}

func idTag(v int64) string { return strconv.FormatInt(v, 10) }

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
