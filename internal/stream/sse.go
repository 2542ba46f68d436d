package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Terminal event types on the wire.
const (
	EventDone  = "done"
	EventError = "error"
)

// Event is the JSON payload of one SSE data line on /api/chat.
type Event struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EncodeFragment converts a fragment to its wire event.
func EncodeFragment(f Fragment) (Event, error) {
	switch v := f.(type) {
	case Text:
		return Event{Type: string(KindText), Content: v.Content}, nil
	case Thinking:
		return Event{Type: string(KindThinking), Content: v.Content}, nil
	case Media:
		return Event{Type: string(v.MediaKind), MIMEType: v.MIMEType, Data: v.Data, URI: v.URI}, nil
	default:
		return Event{}, fmt.Errorf("unknown fragment type %T", f)
	}
}

// DecodeFragment converts a non-terminal wire event back into a fragment.
func DecodeFragment(e Event) (Fragment, error) {
	switch Kind(e.Type) {
	case KindText:
		return Text{Content: e.Content}, nil
	case KindThinking:
		return Thinking{Content: e.Content}, nil
	case KindImage, KindAudio, KindVideo, KindDocument:
		return Media{MediaKind: Kind(e.Type), MIMEType: e.MIMEType, Data: e.Data, URI: e.URI}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// Writer writes SSE data events and flushes after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for an event stream. It fails if w cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes v as one JSON data event.
func (w *Writer) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *Writer) Fragment(f Fragment) error {
	e, err := EncodeFragment(f)
	if err != nil {
		return err
	}
	return w.Send(e)
}

func (w *Writer) Done() error {
	return w.Send(Event{Type: EventDone})
}

func (w *Writer) Error(message string) error {
	return w.Send(Event{Type: EventError, Error: message})
}

// Reader reads the data payloads of an SSE stream.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the data of the next event, joining multi-line data fields.
// Comments and other fields are skipped. io.EOF means the body ended.
func (r *Reader) Next() ([]byte, error) {
	var data [][]byte
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			continue
		}
		if value, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.Clone(bytes.TrimPrefix(value, []byte(" "))))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), nil
	}
	return nil, io.EOF
}
