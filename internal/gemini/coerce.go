package gemini

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/adsync-lab/geminisync/internal/catalog"
	"github.com/adsync-lab/geminisync/internal/planner"
)

// datetimeLayouts are the timestamp shapes the API emits in CSV payloads.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// rowCoercer turns raw CSV rows into typed records for one stream. Unknown
// header columns are dropped (warned once per download); declared fields
// missing from the header become null when nullable.
type rowCoercer struct {
	stream *catalog.StreamDescriptor
	loc    *time.Location
	index  map[string]int
}

func newRowCoercer(stream *catalog.StreamDescriptor, loc *time.Location, header []string) *rowCoercer {
	known := make(map[string]bool, len(stream.Fields))
	for _, f := range stream.Fields {
		known[f.Name] = true
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		if !known[col] {
			slog.Warn("[Report] Dropping column not in stream schema", "stream", stream.Name, "column", col)
			continue
		}
		index[col] = i
	}
	return &rowCoercer{stream: stream, loc: loc, index: index}
}

func (c *rowCoercer) coerce(row []string) (catalog.Record, error) {
	rec := make(catalog.Record, len(c.stream.Fields))
	for _, f := range c.stream.Fields {
		i, present := c.index[f.Name]
		if !present || i >= len(row) {
			if !f.Nullable {
				return nil, &SchemaViolation{Stream: c.stream.Name, Field: f.Name, Message: "required field missing from payload"}
			}
			rec[f.Name] = nil
			continue
		}
		v, err := coerceToken(c.stream.Name, f, row[i], c.loc)
		if err != nil {
			return nil, err
		}
		rec[f.Name] = v
	}
	return rec, nil
}

// coerceToken parses one CSV token per the field's declared type. Empty
// tokens map to null.
func coerceToken(stream string, f catalog.Field, raw string, loc *time.Location) (any, error) {
	if raw == "" {
		if !f.Nullable {
			return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: "required field is empty"}
		}
		return nil, nil
	}

	switch f.Type {
	case catalog.FieldInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("cannot parse %q as integer", raw)}
		}
		return n, nil
	case catalog.FieldNumber:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("cannot parse %q as number", raw)}
		}
		return d, nil
	case catalog.FieldString:
		return raw, nil
	case catalog.FieldDate:
		day, err := planner.ParseDay(raw)
		if err != nil {
			return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("cannot parse %q as date", raw)}
		}
		return day, nil
	case catalog.FieldDateTime:
		for _, layout := range datetimeLayouts {
			if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
				return t, nil
			}
		}
		return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("cannot parse %q as datetime", raw)}
	default:
		return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("unknown field type %q", f.Type)}
	}
}

// coerceObject maps one JSON object from an object edge onto the stream
// schema. The API exposes createdDate and lastUpdateDate as millisecond
// UNIX timestamps; datetime fields holding JSON numbers are parsed that
// way.
func coerceObject(stream *catalog.StreamDescriptor, obj map[string]json.RawMessage, loc *time.Location) (catalog.Record, error) {
	for key := range obj {
		if _, ok := stream.Field(key); !ok {
			slog.Debug("[Objects] Dropping property not in stream schema", "stream", stream.Name, "property", key)
		}
	}

	rec := make(catalog.Record, len(stream.Fields))
	for _, f := range stream.Fields {
		raw, present := obj[f.Name]
		if !present || string(raw) == "null" {
			if !f.Nullable {
				return nil, &SchemaViolation{Stream: stream.Name, Field: f.Name, Message: "required property missing from object"}
			}
			rec[f.Name] = nil
			continue
		}
		v, err := coerceJSON(stream.Name, f, raw, loc)
		if err != nil {
			return nil, err
		}
		rec[f.Name] = v
	}
	return rec, nil
}

func coerceJSON(stream string, f catalog.Field, raw json.RawMessage, loc *time.Location) (any, error) {
	switch f.Type {
	case catalog.FieldInteger:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("cannot parse %s as integer", raw)}
		}
		return n, nil
	case catalog.FieldNumber:
		var d decimal.Decimal
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("cannot parse %s as number", raw)}
		}
		return d, nil
	case catalog.FieldString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("cannot parse %s as string", raw)}
		}
		return s, nil
	case catalog.FieldDate:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("cannot parse %s as date", raw)}
		}
		return coerceToken(stream, f, s, loc)
	case catalog.FieldDateTime:
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil {
			return time.UnixMilli(ms).In(loc), nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("cannot parse %s as datetime", raw)}
		}
		return coerceToken(stream, f, s, loc)
	default:
		return nil, &SchemaViolation{Stream: stream, Field: f.Name, Message: fmt.Sprintf("unknown field type %q", f.Type)}
	}
}
