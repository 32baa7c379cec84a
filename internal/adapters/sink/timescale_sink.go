package sink

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
)

// TimescaleSink mirrors samples appended to host channels into a hypertable.
type TimescaleSink struct {
	db        *sql.DB
	tableName string
}

func NewTimescaleSink(db *sql.DB, table string) *TimescaleSink {
	return &TimescaleSink{db: db, tableName: table}
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

func (t *TimescaleSink) WriteBatch(samples []domain.ChannelSample) error {
	if len(samples) == 0 {
		return nil
	}

	// Replays of the same tick are ignored via the (channel_key, ticks) key.
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (channel_key, channel_id, ticks, seconds, num_value, text_value) VALUES ")

	args := make([]any, 0, len(samples)*6)
	for i, s := range samples {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5, len(args)+6))

		var (
			num  sql.NullFloat64
			text sql.NullString
		)
		switch s.Value.Type {
		case domain.Integer, domain.Number:
			f, _ := s.Value.Float64()
			num = sql.NullFloat64{Float64: f, Valid: true}
		case domain.String:
			text = sql.NullString{String: s.Value.Text, Valid: true}
		default:
			return &domain.UnsupportedFormatError{Datatype: s.Value.Type, Reason: "cannot persist value"}
		}

		args = append(args,
			s.Key,
			int64(s.ChannelID),
			int64(s.Time.Ticks),
			s.Time.Seconds(),
			num,
			text,
		)
	}

	b.WriteString(" ON CONFLICT (channel_key, ticks) DO NOTHING")

	_, err := t.db.Exec(b.String(), args...)
	return err
}

var _ ports.Sink = (*TimescaleSink)(nil)
