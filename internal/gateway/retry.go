package gateway

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// backoff describes how transient upstream failures are retried.
type backoff struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

var defaultBackoff = backoff{
	Attempts: 3,
	Base:     500 * time.Millisecond,
	Cap:      8 * time.Second,
}

// delay returns the wait before retry n (1-based), with ±25% jitter.
func (b backoff) delay(n int) time.Duration {
	d := float64(b.Base) * math.Pow(2, float64(n-1))
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	return time.Duration(d + d*0.25*(rand.Float64()*2-1)) //nolint:gosec
}

// retrier is an http.RoundTripper that retries throttling, 5xx and
// transient network errors against the YouTube endpoints.
type retrier struct {
	next    http.RoundTripper
	backoff backoff
	logger  *zap.Logger
}

func newRetrier(next http.RoundTripper, b backoff, logger *zap.Logger) *retrier {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retrier{next: next, backoff: b, logger: logger}
}

func (r *retrier) RoundTrip(req *http.Request) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		send := req
		if attempt > 0 {
			if send, err = rewind(req); err != nil {
				return nil, err
			}
		}

		resp, err = r.next.RoundTrip(send)
		var retry bool
		if err != nil {
			retry = transientErr(err)
		} else {
			retry = transientStatus(resp.StatusCode)
		}
		if !retry || attempt >= r.backoff.Attempts || !replayable(req) {
			return resp, err
		}

		wait := r.backoff.delay(attempt + 1)
		if resp != nil {
			if after := retryAfter(resp.Header.Get("Retry-After")); after > 0 && after < r.backoff.Cap {
				wait = after
			}
			resp.Body.Close()
		}
		r.logger.Debug("retrying upstream request",
			zap.String("host", req.URL.Host),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if serr := sleepCtx(req.Context(), wait); serr != nil {
			return nil, serr
		}
	}
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func transientErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// retryAfter parses the delay-seconds form of a Retry-After header.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// rewind clones req with a fresh body for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody == nil {
		return clone, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
