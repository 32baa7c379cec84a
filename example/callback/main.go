package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	mqttbridge "github.com/moberhofer/OXYGEN-SDK-MQTT"
)

func main() {
	flow, err := mqttbridge.Conf("../../data/config.yaml")
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(batch []mqttbridge.Sample) error {
		for _, sample := range batch {
			fmt.Printf("%.6fs channel=%s id=%d value=%s\n",
				sample.Time.Seconds(),
				sample.Key,
				sample.ChannelID,
				sample.Value,
			)
		}
		return nil
	}

	if err := flow.Run(ctx, mqttbridge.StreamOutCallback("stdout", callback)); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Fatalf("runtime error: %v", err)
	}
}
