package otboo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RefreshFunc obtains a fresh access token. It is expected to store the new
// session (or clear it on failure) before returning.
type RefreshFunc func(ctx context.Context) (string, error)

// refreshResult is what a queued request receives when the refresh settles.
type refreshResult struct {
	token string
	err   error
}

// RefreshCoordinator makes sure only one token refresh is in flight at a time.
// Requests that fail with 401 while a refresh is running are queued and
// resolved, in arrival order, with the token produced by that single refresh
// (or rejected with its error).
type RefreshCoordinator struct {
	refresh   RefreshFunc
	current   func() string
	onFailure func(error)
	timeout   time.Duration

	mu         sync.Mutex
	refreshing bool
	queue      []chan refreshResult

	// failedFor is the token whose refresh last failed; lastErr its error.
	// Both are kept until a new session is stored so late 401s for the lost
	// session do not start another refresh.
	failedFor string
	lastErr   error
}

// NewRefreshCoordinator creates a coordinator. current returns the access
// token currently held by the session; onFailure is called once for every
// failed refresh (forced sign-out). A zero timeout means no refresh deadline.
func NewRefreshCoordinator(refresh RefreshFunc, current func() string, onFailure func(error), timeout time.Duration) *RefreshCoordinator {
	return &RefreshCoordinator{
		refresh:   refresh,
		current:   current,
		onFailure: onFailure,
		timeout:   timeout,
	}
}

// inFlight reports whether a refresh is running.
func (c *RefreshCoordinator) inFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

// forget drops the recorded refresh failure. Called when a new session is
// stored, after which a 401 starts a fresh refresh again.
func (c *RefreshCoordinator) forget() {
	c.mu.Lock()
	c.failedFor = ""
	c.lastErr = nil
	c.mu.Unlock()
}

// Await returns a token to replay a request that failed with 401 after being
// sent with staleToken. It either starts the refresh, joins the one in flight,
// or, when another refresh already replaced staleToken, returns the current
// token right away.
func (c *RefreshCoordinator) Await(ctx context.Context, staleToken string) (string, error) {
	c.mu.Lock()

	if c.refreshing {
		pending := make(chan refreshResult, 1)
		c.queue = append(c.queue, pending)
		queued := len(c.queue)
		c.mu.Unlock()

		log.Debug().Int("position", queued).Msg("request queued behind token refresh")

		select {
		case res := <-pending:
			return res.token, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	current := c.current()
	if current != "" && current != staleToken {
		c.mu.Unlock()
		return current, nil
	}
	if current == "" && c.lastErr != nil && (staleToken == c.failedFor || staleToken == "") {
		err := c.lastErr
		c.mu.Unlock()
		return "", err
	}

	c.refreshing = true
	c.mu.Unlock()

	return c.lead(ctx, staleToken)
}

// lead runs the refresh and settles the queue.
func (c *RefreshCoordinator) lead(ctx context.Context, staleToken string) (string, error) {
	refreshCtx := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		refreshCtx, cancel = context.WithTimeout(refreshCtx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	token, err := c.refresh(refreshCtx)
	if err == nil && token == "" {
		err = fmt.Errorf("empty access token")
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		token = ""
	}

	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.refreshing = false
	if err != nil {
		c.failedFor = staleToken
		c.lastErr = err
	} else {
		c.failedFor = ""
		c.lastErr = nil
	}
	c.mu.Unlock()

	for _, pending := range queue {
		pending <- refreshResult{token: token, err: err}
	}

	if err != nil {
		log.Error().Err(err).Int("queued", len(queue)).Msg("token refresh failed, signing out")
		if c.onFailure != nil {
			c.onFailure(err)
		}
		return "", err
	}

	log.Info().Int("queued", len(queue)).Dur("took", time.Since(start)).Msg("token refreshed")
	return token, nil
}
