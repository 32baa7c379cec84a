package sink

import (
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
)

func TestTimescaleSinkWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "channel_samples")

	samples := []domain.ChannelSample{
		{
			ChannelID: 3,
			Key:       "plant/Env/temp",
			Time:      domain.Timestamp{Ticks: 2150, Frequency: 100},
			Value:     domain.NumberValue(21.5),
		},
		{
			ChannelID: 4,
			Key:       "plant/Env/state",
			Time:      domain.Timestamp{Ticks: 2170, Frequency: 100},
			Value:     domain.StringValue("ok"),
		},
	}

	expectedQuery := regexp.QuoteMeta("INSERT INTO channel_samples (channel_key, channel_id, ticks, seconds, num_value, text_value) VALUES ($1,$2,$3,$4,$5,$6),($7,$8,$9,$10,$11,$12) ON CONFLICT (channel_key, ticks) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs(
			"plant/Env/temp", int64(3), int64(2150), 21.5, 21.5, nil,
			"plant/Env/state", int64(4), int64(2170), 21.7, nil, "ok",
		).
		WillReturnResult(sqlmock.NewResult(2, 2))

	if err := sink.WriteBatch(samples); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkWriteBatchNoSamples(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "channel_samples")
	if err := sink.WriteBatch(nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkRejectsInvalidValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "channel_samples")
	err = sink.WriteBatch([]domain.ChannelSample{{Key: "x"}})
	var ufe *domain.UnsupportedFormatError
	if !errors.As(err, &ufe) {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkPropagatesExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO channel_samples").WillReturnError(sql.ErrConnDone)
	sink := NewTimescaleSink(db, "channel_samples")
	err = sink.WriteBatch([]domain.ChannelSample{{Key: "x", Value: domain.IntValue(1), Time: domain.Timestamp{Ticks: 1, Frequency: 1}}})
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("expected ErrConnDone, got %v", err)
	}
}

func TestTimescaleSinkName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	sink := NewTimescaleSink(db, "channel_samples")
	if sink.Name() != "timescaledb" {
		t.Fatalf("expected sink name timescaledb, got %s", sink.Name())
	}
}
