package otboo

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const PathNotifications = "/api/notifications"

// CursorRequest selects a page of a cursor paginated listing.
type CursorRequest struct {
	Cursor  string
	IDAfter string
	Limit   int
}

func (r CursorRequest) values() url.Values {
	q := url.Values{}
	if r.Cursor != "" {
		q.Set("cursor", r.Cursor)
	}
	if r.IDAfter != "" {
		q.Set("idAfter", r.IDAfter)
	}
	limit := r.Limit
	if limit <= 0 {
		limit = 20
	}
	q.Set("limit", strconv.Itoa(limit))
	return q
}

// CursorResponse is one page of a cursor paginated listing.
type CursorResponse[T any] struct {
	Data          []T     `json:"data"`
	NextCursor    *string `json:"nextCursor"`
	NextIDAfter   *string `json:"nextIdAfter"`
	HasNext       bool    `json:"hasNext"`
	TotalCount    int     `json:"totalCount"`
	SortBy        string  `json:"sortBy"`
	SortDirection string  `json:"sortDirection"`
}

// Next returns the request for the following page, or false on the last page.
func (p *CursorResponse[T]) Next(limit int) (CursorRequest, bool) {
	if !p.HasNext || p.NextCursor == nil {
		return CursorRequest{}, false
	}
	next := CursorRequest{Cursor: *p.NextCursor, Limit: limit}
	if p.NextIDAfter != nil {
		next.IDAfter = *p.NextIDAfter
	}
	return next, true
}

// Notification is a message pushed to a user (new follower, comment, ...).
type Notification struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	ReceiverID string    `json:"receiverId"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Level      string    `json:"level"`
}

// ListNotifications fetches a page of the user's notifications.
func (c *Client) ListNotifications(ctx context.Context, req CursorRequest) (*CursorResponse[Notification], error) {
	result := &CursorResponse[Notification]{}
	_, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   PathNotifications,
		Query:  req.values(),
		Result: result,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReadNotification marks a notification as read, which deletes it.
func (c *Client) ReadNotification(ctx context.Context, notificationID string) error {
	_, err := c.Do(ctx, Request{
		Method: http.MethodDelete,
		Path:   PathNotifications + "/" + url.PathEscape(notificationID),
	})
	return err
}
