package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/islandd/internal/api"
)

type WatchLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	// Once returns after the first connection ends instead of reconnecting.
	Once bool
}

func (c *Client) streamURL() string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/stream"
}

// Watch reads stream messages from one connection until ctx is done, the
// daemon closes the stream, or onMessage fails. A clean close by the daemon
// returns io.EOF.
func (c *Client) Watch(ctx context.Context, onMessage func(api.StreamMessage) error) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			payload, _ := io.ReadAll(resp.Body)
			resp.Body.Close() //nolint:errcheck
			return decodeRequestError(resp.StatusCode, payload)
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var msg api.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return io.EOF
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				return fmt.Errorf("%w: %v", ErrStreamPayloadInvalid, err)
			}
			return err
		}
		if onMessage == nil {
			continue
		}
		if err := onMessage(msg); err != nil {
			return err
		}
	}
}

// WatchLoop keeps a stream open, reconnecting with backoff. Each new
// connection starts with a fresh snapshot.
func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onMessage func(api.StreamMessage) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		received := false
		var cbErr error
		err := c.Watch(ctx, func(msg api.StreamMessage) error {
			received = true
			if onMessage == nil {
				return nil
			}
			cbErr = onMessage(msg)
			return cbErr
		})
		if cbErr != nil {
			return cbErr
		}
		if opts.Once {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrStreamPayloadInvalid) {
			return err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
		if received {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
