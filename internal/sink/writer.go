// Package sink serializes extraction output as a stream of structured
// JSON-line messages: a SCHEMA message per stream, a RECORD message per row
// and a STATE message per bookmark advance. A downstream loader consumes
// the stream and owns durable storage.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/adsync-lab/geminisync/internal/catalog"
	"github.com/adsync-lab/geminisync/internal/metrics"
	"github.com/adsync-lab/geminisync/internal/planner"
	"github.com/adsync-lab/geminisync/internal/state"
)

// Writer emits messages to one output stream. Safe for concurrent use; the
// orchestrator's workers interleave whole messages, never partial ones.
type Writer struct {
	mu       sync.Mutex
	w        *bufio.Writer
	now      func() time.Time
	counters map[string]*metrics.Counter
}

// NewWriter wraps w in a message writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:        bufio.NewWriter(w),
		now:      time.Now,
		counters: make(map[string]*metrics.Counter),
	}
}

type schemaMessage struct {
	Type               string     `json:"type"`
	Stream             string     `json:"stream"`
	Schema             jsonSchema `json:"schema"`
	KeyProperties      []string   `json:"key_properties"`
	BookmarkProperties []string   `json:"bookmark_properties,omitempty"`
}

type jsonSchema struct {
	Type                 string                    `json:"type"`
	AdditionalProperties bool                      `json:"additionalProperties"`
	Properties           map[string]schemaProperty `json:"properties"`
}

type schemaProperty struct {
	Type   any    `json:"type"`
	Format string `json:"format,omitempty"`
}

type recordMessage struct {
	Type          string         `json:"type"`
	Stream        string         `json:"stream"`
	Record        map[string]any `json:"record"`
	TimeExtracted string         `json:"time_extracted"`
}

type stateMessage struct {
	Type  string                       `json:"type"`
	Value map[string]map[string]string `json:"value"`
}

// EmitSchema writes the stream's schema message. Called once per stream
// before its first record.
func (w *Writer) EmitSchema(stream *catalog.StreamDescriptor) error {
	properties := make(map[string]schemaProperty, len(stream.Fields))
	for _, f := range stream.Fields {
		properties[f.Name] = propertyFor(f)
	}

	msg := schemaMessage{
		Type:   "SCHEMA",
		Stream: stream.Name,
		Schema: jsonSchema{
			Type:                 "object",
			AdditionalProperties: false,
			Properties:           properties,
		},
		KeyProperties: stream.PrimaryKey,
	}
	if stream.BookmarkField != "" {
		msg.BookmarkProperties = []string{stream.BookmarkField}
	}
	return w.write(msg)
}

// EmitRecord writes one record message.
func (w *Writer) EmitRecord(stream *catalog.StreamDescriptor, rec catalog.Record) error {
	out := make(map[string]any, len(rec))
	for name, v := range rec {
		out[name] = normalizeValue(v)
	}

	err := w.write(recordMessage{
		Type:          "RECORD",
		Stream:        stream.Name,
		Record:        out,
		TimeExtracted: w.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	counter, ok := w.counters[stream.Name]
	if !ok {
		counter = metrics.NewCounter("record_count", "stream", stream.Name)
		w.counters[stream.Name] = counter
	}
	w.mu.Unlock()
	counter.Add(1)
	return nil
}

// EmitState writes the current bookmark map.
func (w *Writer) EmitState(s *state.State) error {
	return w.write(stateMessage{Type: "STATE", Value: s.Snapshot()})
}

// Close flushes buffered output and logs per-stream record counts.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, counter := range w.counters {
		counter.Close()
	}
	return w.w.Flush()
}

func (w *Writer) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding output message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("writing output message: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing output message: %w", err)
	}
	return nil
}

func propertyFor(f catalog.Field) schemaProperty {
	var p schemaProperty
	switch f.Type {
	case catalog.FieldInteger:
		p.Type = "integer"
	case catalog.FieldNumber:
		p.Type = "number"
	case catalog.FieldDate:
		p.Type = "string"
		p.Format = "date"
	case catalog.FieldDateTime:
		p.Type = "string"
		p.Format = "date-time"
	default:
		p.Type = "string"
	}
	if f.Nullable {
		p.Type = []any{"null", p.Type}
	}
	return p
}

// normalizeValue maps typed record values onto their JSON wire shape.
// Decimals are emitted as raw JSON numbers, not quoted strings, so numeric
// columns stay numeric downstream.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case decimal.Decimal:
		return json.RawMessage(val.String())
	case time.Time:
		return val.Format(time.RFC3339)
	case planner.Day:
		return val.String()
	default:
		return v
	}
}
