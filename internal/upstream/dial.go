// Package upstream dials the vendor WebSocket endpoints used by the speech adapters.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// DialOptions tune a single upstream connection attempt sequence.
type DialOptions struct {
	Header   http.Header
	Timeout  time.Duration
	Attempts int
}

// Dial opens a WebSocket to rawURL, retrying transient failures with
// exponential backoff. Authentication rejections are not retried.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*websocket.Conn, error) {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, backoff.Permanent(err)
			}
		}
		return nil, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(attempts)))
}
