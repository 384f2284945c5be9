package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/infra/logger"
	"github.com/kilianp07/vpp/infra/mqtt"
)

var publishOpts struct {
	programID int64
	name      string
	startIn   time.Duration
	duration  time.Duration
	direction string
	capacity  float64
}

var publishEventCmd = &cobra.Command{
	Use:   "publish-event",
	Short: "Publish an external program event to the broker",
	RunE:  publishEvent,
}

func init() {
	f := publishEventCmd.Flags()
	f.Int64Var(&publishOpts.programID, "program", 0, "program id")
	f.StringVar(&publishOpts.name, "name", "manual test event", "event name")
	f.DurationVar(&publishOpts.startIn, "start-in", time.Hour, "delay before the event starts")
	f.DurationVar(&publishOpts.duration, "duration", time.Hour, "event duration")
	f.StringVar(&publishOpts.direction, "direction", "decrease", "increase, decrease or maintain")
	f.Float64Var(&publishOpts.capacity, "capacity", 10, "requested capacity in kW")
	_ = publishEventCmd.MarkFlagRequired("program")
	rootCmd.AddCommand(publishEventCmd)
}

func publishEvent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is not configured")
	}
	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID != "" {
		mqttCfg.ClientID += "-cli"
	}
	b, err := mqtt.NewBus(mqttCfg, logger.New("mqtt"), nil)
	if err != nil {
		return err
	}
	defer b.Close()

	start := time.Now().Add(publishOpts.startIn).Truncate(time.Second)
	ev := bus.ExternalEvent{
		ExternalID: uuid.NewString(),
		Name:       publishOpts.name,
		StartTime:  start,
		EndTime:    start.Add(publishOpts.duration),
		Direction:  publishOpts.direction,
		CapacityKW: publishOpts.capacity,
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	topic := bus.ExternalEventTopic(publishOpts.programID)
	if err := b.Publish(ctx, topic, ev); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s on %s\n", ev.ExternalID, topic)
	return nil
}
