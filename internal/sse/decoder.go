// Package sse implements the incremental server-sent-event decoder the
// Stats Collector needs (§4.7, §9 design note: "implement as an incremental
// decoder over a byte buffer ... not as a line-iterator over the full
// buffer"). It is grounded on the base gateway's internal/provider/sseutil line
// scanner (ParseSSELine's field-splitting rules), extended into a real
// buffer-consuming event assembler instead of a one-line-at-a-time scanner.
package sse

import "bytes"

// Event is one decoded SSE event: the concatenation of every "data:" line's
// payload in the event, joined with "\n" per the SSE spec, plus the event
// type if one was set via an "event:" field.
type Event struct {
	Type string
	Data []byte
}

// Done reports whether this event is the "data: [DONE]" sentinel OpenAI-
// compatible streams use to terminate the stream (§4.7 step 3).
func (e Event) Done() bool {
	return bytes.Equal(bytes.TrimSpace(e.Data), []byte("[DONE]"))
}

// Decoder incrementally assembles SSE events from bytes pushed via Write,
// consuming up to the next blank-line boundary ("\n\n" or "\r\n\r\n") rather
// than requiring the whole body up front.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty incremental decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Write appends chunk to the internal buffer.
func (d *Decoder) Write(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Decode consumes one complete event from the buffer, if one is available.
// ok is false when no full event boundary has been seen yet; callers should
// call Write again and retry. A fully consumed buffer with a trailing
// incomplete event is left in place for the next Write.
func (d *Decoder) Decode() (ev Event, ok bool) {
	idx, sepLen := findBoundary(d.buf)
	if idx < 0 {
		return Event{}, false
	}
	raw := d.buf[:idx]
	d.buf = d.buf[idx+sepLen:]
	return parseEvent(raw), true
}

// Flush parses whatever remains in the buffer as a final, possibly-
// unterminated event (used when the upstream closes the connection without
// a trailing blank line). Returns ok=false if the buffer is empty/blank.
func (d *Decoder) Flush() (ev Event, ok bool) {
	raw := bytes.TrimRight(d.buf, "\r\n")
	d.buf = nil
	if len(raw) == 0 {
		return Event{}, false
	}
	return parseEvent(raw), true
}

// findBoundary returns the index and length of the first blank-line
// separator ("\n\n" or "\r\n\r\n") in buf, or (-1, 0) if none is present yet.
func findBoundary(buf []byte) (int, int) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		if j := bytes.Index(buf, []byte("\n\n")); j >= 0 && j < i {
			return j, 2
		}
		return i, 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i, 2
	}
	return -1, 0
}

// parseEvent splits raw into CRLF/LF lines and applies the SSE field rules:
// "data:" lines are concatenated (joined by "\n"); "event:" sets the type;
// everything else (comments starting with ':', unknown fields) is ignored.
func parseEvent(raw []byte) Event {
	var ev Event
	var dataLines [][]byte
	for _, line := range bytes.Split(bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n")), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			ev.Type = string(value)
		case "data":
			dataLines = append(dataLines, value)
		}
	}
	ev.Data = bytes.Join(dataLines, []byte("\n"))
	return ev
}
