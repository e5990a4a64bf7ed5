package feeder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// TraceReader reads handshakes stored one JSON object per line.
type TraceReader struct {
	dec  *json.Decoder
	line int
}

// NewTraceReader creates a reader over r.
func NewTraceReader(r io.Reader) *TraceReader {
	return &TraceReader{dec: json.NewDecoder(bufio.NewReader(r))}
}

// Next returns the next handshake, or io.EOF at the end of the trace.
func (t *TraceReader) Next() (Handshake, error) {
	var h Handshake

	if err := t.dec.Decode(&h); err != nil {
		if errors.Is(err, io.EOF) {
			return h, io.EOF
		}
		return h, fmt.Errorf("failed to parse trace record %d: %w", t.line+1, err)
	}
	t.line++

	if err := h.Validate(); err != nil {
		return h, fmt.Errorf("trace record %d: %w", t.line, err)
	}

	return h, nil
}

// TraceWriter writes handshakes one JSON object per line.
type TraceWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewTraceWriter creates a writer over w. Call Flush when done.
func NewTraceWriter(w io.Writer) *TraceWriter {
	bw := bufio.NewWriter(w)
	return &TraceWriter{w: bw, enc: json.NewEncoder(bw)}
}

// Write appends h.
func (t *TraceWriter) Write(h Handshake) error {
	if err := t.enc.Encode(h); err != nil {
		return fmt.Errorf("failed to write trace record: %w", err)
	}

	return nil
}

// Flush writes buffered records to the underlying writer.
func (t *TraceWriter) Flush() error {
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace: %w", err)
	}

	return nil
}

// Source produces handshakes until io.EOF.
type Source interface {
	Next() (Handshake, error)
}

// Produce copies every handshake of src into buf and closes buf. It returns
// the number of handshakes produced.
func Produce(ctx context.Context, src Source, buf *Buffer) (int, error) {
	defer buf.Close()

	n := 0
	for {
		h, err := src.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}

		if err := buf.Push(ctx, h); err != nil {
			return n, err
		}
		n++

		if h.KillThread {
			return n, nil
		}
	}
}
