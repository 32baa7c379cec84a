package mqttbridge

import (
	"errors"
	"testing"
	"time"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
)

func TestNewCallbackSink(t *testing.T) {
	var received []Sample
	sink := NewCallbackSink("cb", func(batch []Sample) error {
		received = append(received, batch...)
		return nil
	})

	input := Sample{
		ChannelID: 3,
		Key:       "plant/Env/temp",
		Time:      Timestamp{Ticks: 2150, Frequency: 100},
		Value:     domain.NumberValue(21.5),
	}

	batch := []Sample{input}
	if err := sink.WriteBatch(batch); err != nil {
		t.Fatalf("WriteBatch returned error: %v", err)
	}
	batch[0].Key = "mutated"
	if len(received) != 1 {
		t.Fatalf("expected 1 batch entry, got %d", len(received))
	}
	got := received[0]
	if got.Key != input.Key || got.Time != input.Time {
		t.Fatalf("mismatched sample payload: %+v vs %+v", got, input)
	}
	if got.Value.Number != 21.5 {
		t.Fatalf("expected value to be copied, got %v", got.Value)
	}
	if sink.Name() != "cb" {
		t.Fatalf("expected name cb, got %s", sink.Name())
	}
}

func TestNewCallbackSinkNilHandler(t *testing.T) {
	sink := NewCallbackSink("", nil)
	err := sink.WriteBatch([]Sample{{Key: "s"}})
	if err == nil {
		t.Fatalf("expected error when callback is nil")
	}
}

func TestNewChannelSink(t *testing.T) {
	sink, ch, closeFn := NewChannelSink("chan", 1)
	defer closeFn()

	input := Sample{Key: "sensor-2", Value: domain.IntValue(7)}
	errCh := make(chan error, 1)

	go func() {
		errCh <- sink.WriteBatch([]Sample{input})
	}()

	var batch []Sample
	select {
	case batch = <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel batch")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("WriteBatch returned error: %v", err)
	}
	if len(batch) != 1 || batch[0].Key != input.Key {
		t.Fatalf("unexpected batch data: %+v", batch)
	}

	closeFn()
	if err := sink.WriteBatch([]Sample{input}); !errors.Is(err, ErrChannelSinkClosed) {
		t.Fatalf("expected ErrChannelSinkClosed, got %v", err)
	}
}
