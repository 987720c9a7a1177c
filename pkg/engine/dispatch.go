package engine

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// perAttemptBudget bounds one attempt's connect+headers+body exchange. The
// underlying H1/H2 transports bind a single context across the whole
// exchange rather than one per phase, so headersTimeout and bodyTimeout are
// summed into one deadline per attempt instead of being enforced as two
// independent timers. See DESIGN.md for why this was chosen over threading
// two contexts through doH1/doH2.
func perAttemptBudget(opts Options) time.Duration {
	return opts.HeadersTimeout + opts.BodyTimeout
}

func cancellableSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return classifyCtxErr(ctx.Err())
	}
}

func classifyCtxErr(err error) error {
	if err == context.DeadlineExceeded {
		return httperr.NewTimeoutError("request", 0)
	}
	return httperr.NewCancelledError("request")
}

func isRetryableRequest(req *Request, retry RetryPolicy) bool {
	if !retry.Enabled {
		return false
	}
	return retry.AllowedMethods[req.Method] && !req.BodyIsStream
}

func isTerminalCancellation(err error) bool {
	return httperr.GetErrorKind(err) == httperr.KindCancelled
}

// computeDelay implements the retry loop's backoff: an integer-seconds or
// HTTP-date retry-after value takes precedence over exponential backoff.
func computeDelay(retry RetryPolicy, attempt int, retryAfter string) time.Duration {
	if d, ok := parseRetryAfter(retryAfter); ok {
		if d > retry.MaxDelay {
			return retry.MaxDelay
		}
		return d
	}
	backoff := retry.BaseDelay << uint(attempt)
	if backoff <= 0 || backoff > retry.MaxDelay {
		return retry.MaxDelay
	}
	return backoff
}

func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d <= 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

func drainAndClose(r *Response) {
	body := r.Body()
	io.Copy(io.Discard, body)
	body.Close()
}

// Do issues req against its target, retrying and following redirects per
// opts, and returns the settled response.
func (c *Context) Do(ctx context.Context, req *Request, opts Options) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyCtxErr(err)
	}
	if req.BodyIsStream && req.BodyStream == nil {
		return nil, httperr.NewValidationError("stream body marked but no reader supplied")
	}

	overallCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		overallCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	normalized, err := normalizeHeaders(req, opts)
	if err != nil {
		return nil, err
	}
	prepared, err := prepareBody(normalized, opts)
	if err != nil {
		return nil, err
	}

	retry := opts.Retry
	maxAttempts := 1
	if retry.Enabled && retry.MaxAttempts > 0 {
		maxAttempts = retry.MaxAttempts + 1
	}

	budget := perAttemptBudget(opts)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := overallCtx.Err(); err != nil {
			return nil, classifyCtxErr(err)
		}

		attemptCtx := overallCtx
		var attemptCancel context.CancelFunc
		if budget > 0 {
			attemptCtx, attemptCancel = context.WithTimeout(overallCtx, budget)
		}

		resp, redirErr := c.runRedirects(attemptCtx, prepared, opts)

		if redirErr != nil {
			if attemptCancel != nil {
				attemptCancel()
			}
			lastErr = redirErr
			if attempt >= maxAttempts-1 || isTerminalCancellation(redirErr) || !isRetryableRequest(prepared, retry) {
				return nil, redirErr
			}
			if sleepErr := cancellableSleep(overallCtx, computeDelay(retry, attempt, "")); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		retryable := retry.Enabled && retry.RetryStatuses[resp.Status] && isRetryableRequest(prepared, retry)
		if retryable && attempt < maxAttempts-1 {
			retryAfter := resp.Headers["retry-after"]
			drainAndClose(resp)
			if attemptCancel != nil {
				attemptCancel()
			}
			if sleepErr := cancellableSleep(overallCtx, computeDelay(retry, attempt, retryAfter)); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if attemptCancel != nil {
			prevCleanup := resp.cleanup
			resp.cleanup = func(err error) {
				if prevCleanup != nil {
					prevCleanup(err)
				}
				attemptCancel()
			}
		}
		return resp, nil
	}
	return nil, lastErr
}

// runRedirects performs one retry-loop iteration: the inner dispatch,
// followed by as many 3xx hops as the redirect policy allows.
func (c *Context) runRedirects(ctx context.Context, req *Request, opts Options) (*Response, error) {
	current := req
	visited := map[string]bool{req.URL.String(): true}

	for redirects := 0; ; redirects++ {
		resp, err := c.attempt(ctx, current, opts)
		if err != nil {
			return nil, err
		}

		if opts.Redirect != RedirectFollow || resp.Status < 300 || resp.Status > 399 {
			return resp, nil
		}

		if redirects >= opts.MaxRedirects {
			drainAndClose(resp)
			return nil, httperr.NewRedirectPolicyError("exceeded maxRedirects")
		}

		location, ok := resp.Headers["location"]
		if !ok || location == "" {
			return resp, nil
		}
		next, err := current.URL.Parse(location)
		if err != nil {
			drainAndClose(resp)
			return nil, httperr.NewRedirectPolicyError("invalid redirect location")
		}

		if current.URL.Scheme == "https" && next.Scheme == "http" {
			drainAndClose(resp)
			return nil, httperr.NewRedirectPolicyError("HTTPS to HTTP downgrade on redirect")
		}

		key := next.String()
		if visited[key] {
			drainAndClose(resp)
			return nil, httperr.NewRedirectPolicyError("loop detected")
		}
		visited[key] = true

		crossOrigin := next.Scheme != current.URL.Scheme || next.Hostname() != current.URL.Hostname() || effectivePort(next) != effectivePort(current.URL)

		nextReq := *current
		nextReq.URL = next
		nextReq.Headers = append([]Header(nil), current.Headers...)

		switch resp.Status {
		case 301, 302, 303:
			nextReq.Method = "GET"
			nextReq.Body = nil
			nextReq.BodyStream = nil
			nextReq.BodyIsStream = false
			nextReq.deleteHeader("content-type")
			nextReq.deleteHeader("content-length")
			nextReq.deleteHeader("content-encoding")
		case 307, 308:
			if nextReq.BodyIsStream {
				drainAndClose(resp)
				return nil, httperr.NewRedirectPolicyError("cannot replay stream body across a 307/308 redirect")
			}
		}

		if crossOrigin {
			nextReq.deleteHeader("authorization")
			nextReq.deleteHeader("cookie")
			nextReq.deleteHeader("proxy-authorization")
		}
		nextReq.setHeader("host", hostHeaderValue(next.Hostname(), effectivePort(next), next.Scheme))

		drainAndClose(resp)
		current = &nextReq
	}
}

func effectivePort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	if u.Scheme == "http" {
		return 80
	}
	return 443
}
