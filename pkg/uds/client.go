package uds

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"exchange/pkg/exception"
)

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	if path == "" {
		return nil, exception.ErrSocketPathEmpty
	}
	var d net.Dialer
	return d.DialContext(ctx, network, path)
}

// DialRetry keeps dialing with exponential backoff until the server is up, wait has
// passed or ctx is done.
func DialRetry(ctx context.Context, path string, wait time.Duration) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = wait

	return backoff.RetryWithData(func() (net.Conn, error) {
		conn, err := Dial(ctx, path)
		if err == exception.ErrSocketPathEmpty {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}, backoff.WithContext(b, ctx))
}
