package main

import (
	"context"
	"errors"
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

	sink, batches, closeBatches := mqttbridge.NewChannelSink("fanout", 32)
	defer closeBatches()

	go fanoutWorker(logrus.WithField("worker", "ingest"), batches)

	if err := flow.Run(ctx, mqttbridge.StreamOutSink(sink)); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(log logrus.FieldLogger, batches <-chan []mqttbridge.Sample) {
	for batch := range batches {
		perChannel := make(map[string]int)
		for _, s := range batch {
			perChannel[s.Key]++
		}
		log.WithField("samples", len(batch)).WithField("channels", perChannel).Info("batch received")
	}
}
