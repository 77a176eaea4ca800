// Package event builds the JSON envelope shared by HEC posts and folder files.
package event

import (
	"bytes"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/scottbrown/logcollector/internal/queue"
)

// Envelope is a single HEC event.
type Envelope struct {
	Time   int64  `json:"time"`
	Event  any    `json:"event"`
	Source string `json:"source"`
}

// Message is the event body used for synthetic probes.
type Message struct {
	Message string `json:"message"`
}

// FromEntry wraps one queued record. Records that are valid JSON are embedded
// as JSON; anything else is sent as a string.
func FromEntry(sourceName string, e queue.Entry) Envelope {
	data := bytes.TrimSpace(e.Data)
	var body any
	if json.Valid(data) {
		body = json.RawMessage(data)
	} else {
		body = string(e.Data)
	}

	ts := e.Received
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{Time: ts.Unix(), Event: body, Source: sourceName}
}

// Probe builds the synthetic event used to confirm HEC reachability.
func Probe(sourceName, message string, now time.Time) Envelope {
	return Envelope{Time: now.Unix(), Event: Message{Message: message}, Source: sourceName}
}

// EncodeBatch renders a batch as newline-terminated JSON envelopes.
func EncodeBatch(sourceName string, batch []queue.Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, e := range batch {
		if err := enc.Encode(FromEntry(sourceName, e)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Truncate shortens data to at most maxLen bytes, adding an ellipsis if
// anything was cut. It never splits a UTF-8 sequence.
func Truncate(data []byte, maxLen int) string {
	if len(data) <= maxLen {
		return string(data)
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "…"
}
