package mcp

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// scanSSE reads a text/event-stream body and calls fn for each event.
// Scanning stops when fn returns false or the stream ends.
func scanSSE(r io.Reader, fn func(sseEvent) bool) error {
	reader := bufio.NewReaderSize(r, 64*1024)

	var (
		cur     sseEvent
		data    []string
		pending bool
	)
	dispatch := func() bool {
		if !pending {
			return true
		}
		cur.Data = strings.Join(data, "\n")
		ev := cur
		cur, data, pending = sseEvent{}, nil, false
		return fn(ev)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := err != nil

		line = strings.TrimRight(line, "\r\n")

		// Empty line indicates end of event
		if line == "" {
			if !dispatch() {
				return nil
			}
			if eof {
				return nil
			}
			continue
		}

		// Comment lines keep the connection alive.
		if strings.HasPrefix(line, ":") {
			if eof {
				dispatch()
				return nil
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			cur.ID = value
			pending = true
		case "event":
			cur.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}

		if eof {
			dispatch()
			return nil
		}
	}
}

// readSSEReply returns the JSON-RPC reply for id from an SSE body.
// Events carrying server requests, notifications or replies to other
// ids are skipped.
func readSSEReply(r io.Reader, id int64) (*Response, error) {
	var found *Response
	err := scanSSE(r, func(ev sseEvent) bool {
		if ev.Event != "" && ev.Event != "message" {
			return true
		}
		resp, status := decodeReply([]byte(ev.Data), id)
		if status != replyMatch {
			return true
		}
		found = resp
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &Error{
			Kind:    KindConnectionFailed,
			Message: "event stream ended without a reply",
		}
	}
	return found, nil
}
