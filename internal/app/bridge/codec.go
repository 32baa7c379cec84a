package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

// decodePayload turns one broker payload into the values destined for leaf.
func decodePayload(leaf topics.ChannelConfiguration, mode domain.SamplingMode, payload []byte) ([]domain.Value, error) {
	field, err := selectField(leaf.Path, payload)
	if err != nil {
		return nil, err
	}

	switch {
	case leaf.Datatype == domain.Integer && mode == domain.Async:
		v, err := parseInteger(field)
		if err != nil {
			return nil, err
		}
		return []domain.Value{v}, nil
	case leaf.Datatype == domain.Integer && mode == domain.Sync:
		return parseSeries(field, parseInteger)
	case leaf.Datatype == domain.Number && mode == domain.Async:
		v, err := parseNumber(field)
		if err != nil {
			return nil, err
		}
		return []domain.Value{v}, nil
	case leaf.Datatype == domain.Number && mode == domain.Sync:
		return parseSeries(field, parseNumber)
	case leaf.Datatype == domain.String && mode == domain.Async:
		v, err := parseString(field)
		if err != nil {
			return nil, err
		}
		return []domain.Value{v}, nil
	default:
		return nil, &domain.UnsupportedFormatError{Datatype: leaf.Datatype, Mode: mode, Reason: "no decoder"}
	}
}

// selectField resolves the leaf path inside a JSON payload. Without a path the
// whole payload is the value; non-JSON payloads are read as plain text.
func selectField(path string, payload []byte) (gjson.Result, error) {
	if path == "" {
		if gjson.ValidBytes(payload) {
			return gjson.ParseBytes(payload), nil
		}
		text := string(payload)
		return gjson.Result{Type: gjson.String, Str: text, Raw: text}, nil
	}
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, fmt.Errorf("payload is not JSON, cannot resolve path %q", path)
	}
	res := gjson.GetBytes(payload, path)
	if !res.Exists() {
		return gjson.Result{}, fmt.Errorf("path %q not found in payload", path)
	}
	return res, nil
}

func parseInteger(r gjson.Result) (domain.Value, error) {
	switch r.Type {
	case gjson.Number:
		if v, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
			return domain.IntValue(v), nil
		}
		if r.Num != math.Trunc(r.Num) || math.Abs(r.Num) > math.MaxInt64 {
			return domain.Value{}, fmt.Errorf("%s is not an integer", r.Raw)
		}
		return domain.IntValue(int64(r.Num)), nil
	case gjson.String:
		v, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("parse integer: %w", err)
		}
		return domain.IntValue(v), nil
	case gjson.True:
		return domain.IntValue(1), nil
	case gjson.False:
		return domain.IntValue(0), nil
	default:
		return domain.Value{}, fmt.Errorf("cannot read integer from %s", r.Type)
	}
}

func parseNumber(r gjson.Result) (domain.Value, error) {
	switch r.Type {
	case gjson.Number:
		return domain.NumberValue(r.Num), nil
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("parse number: %w", err)
		}
		return domain.NumberValue(v), nil
	case gjson.True:
		return domain.NumberValue(1), nil
	case gjson.False:
		return domain.NumberValue(0), nil
	default:
		return domain.Value{}, fmt.Errorf("cannot read number from %s", r.Type)
	}
}

func parseString(r gjson.Result) (domain.Value, error) {
	switch r.Type {
	case gjson.String:
		return domain.StringValue(r.Str), nil
	case gjson.Null:
		return domain.Value{}, errors.New("null is not a string")
	default:
		return domain.StringValue(r.Raw), nil
	}
}

func parseSeries(r gjson.Result, parse func(gjson.Result) (domain.Value, error)) ([]domain.Value, error) {
	if !r.IsArray() {
		v, err := parse(r)
		if err != nil {
			return nil, err
		}
		return []domain.Value{v}, nil
	}

	elems := r.Array()
	out := make([]domain.Value, 0, len(elems))
	for i, e := range elems {
		v, err := parse(e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

type asyncPayload struct {
	Time  float64      `json:"time"`
	Value domain.Value `json:"value"`
}

type syncPayload struct {
	Time       float64        `json:"time"`
	SampleRate float64        `json:"sample_rate"`
	Values     []domain.Value `json:"values"`
}

// encodeFrame renders an outbound frame. Async frames hold exactly one value.
func encodeFrame(f domain.Frame) ([]byte, error) {
	switch f.Mode {
	case domain.Async:
		if len(f.Values) != 1 {
			return nil, fmt.Errorf("async frame carries %d values", len(f.Values))
		}
		return json.Marshal(asyncPayload{Time: f.Time, Value: f.Values[0]})
	case domain.Sync:
		return json.Marshal(syncPayload{Time: f.Time, SampleRate: f.SampleRate, Values: f.Values})
	default:
		return nil, &domain.UnsupportedFormatError{Mode: f.Mode, Reason: "cannot encode frame"}
	}
}
