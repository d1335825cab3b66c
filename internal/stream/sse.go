package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// StreamOpener opens an event-stream body. *otboo.Client implements it, so
// the bearer token and the 401 refresh path apply to the stream request.
type StreamOpener interface {
	OpenStream(ctx context.Context, path, lastEventID string) (io.ReadCloser, error)
}

// SSEDialer connects to the server-sent events endpoint.
type SSEDialer struct {
	Opener StreamOpener
	Path   string

	// LastEventID returns the id to resume from, if any.
	LastEventID func() string
}

// Dial implements Dialer. The token is attached by the opener.
func (d *SSEDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	var last string
	if d.LastEventID != nil {
		last = d.LastEventID()
	}
	body, err := d.Opener.OpenStream(ctx, d.Path, last)
	if err != nil {
		return nil, err
	}
	return NewSSEConn(body), nil
}

const maxEventSize = 1 << 20

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewSSEConn reads text/event-stream framed events from body.
func NewSSEConn(body io.ReadCloser) Conn {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &sseConn{body: body, scanner: scanner}
}

func (c *sseConn) Next(ctx context.Context) (Event, error) {
	var (
		ev   Event
		data []string
		seen bool
	)

	for c.scanner.Scan() {
		line := c.scanner.Text()

		if line == "" {
			if !seen {
				continue
			}
			if ev.Name == "" {
				ev.Name = "message"
			}
			ev.Data = encodeData(strings.Join(data, "\n"))
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		case "id":
			ev.ID = value
			seen = true
		}
	}

	if ctx.Err() != nil {
		return Event{}, ctx.Err()
	}
	if err := c.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (c *sseConn) Close() error {
	return c.body.Close()
}

// encodeData keeps JSON payloads as they are and quotes anything else.
func encodeData(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
