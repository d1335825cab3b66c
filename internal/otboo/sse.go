package otboo

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

const PathSSE = "/api/sse"

// OpenStream opens a server-sent events stream at path through the regular
// request pipeline, so the bearer token is attached and a rejected token is
// refreshed once. lastEventID resumes the stream when set. The caller closes
// the returned body.
func (c *Client) OpenStream(ctx context.Context, path, lastEventID string) (io.ReadCloser, error) {
	if path == "" {
		path = PathSSE
	}

	var query url.Values
	if lastEventID != "" {
		query = url.Values{"LastEventId": {lastEventID}}
	}

	res, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  query,
		raw:    true,
		accept: "text/event-stream",
	})
	if err != nil {
		return nil, err
	}
	return res.RawBody(), nil
}
