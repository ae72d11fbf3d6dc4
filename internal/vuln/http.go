package vuln

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/retry"
)

// feedClient performs rate-limited, retried JSON calls against one feed.
type feedClient struct {
	service   string
	client    *http.Client
	limiter   *rate.Limiter
	policy    retry.Policy
	userAgent string
}

func newFeedClient(service string, client *http.Client, rps float64, policy retry.Policy, userAgent string) feedClient {
	if client == nil {
		client = http.DefaultClient
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return feedClient{
		service:   service,
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		policy:    policy,
		userAgent: userAgent,
	}
}

// StatusError is a non-2xx feed response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// doJSON sends the request built by newReq and decodes a JSON body into
// out. 429 and 5xx responses are retried; other failures are not. Errors
// come back as *model.ExternalServiceError.
func (f feedClient) doJSON(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error), out any) error {
	err := f.policy.Do(ctx, func(ctx context.Context) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		req, err := newReq(ctx)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if f.userAgent != "" {
			req.Header.Set("User-Agent", f.userAgent)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return serr
			}
			return retry.Permanent(serr)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return &model.ExternalServiceError{Service: f.service, Err: err}
	}
	return nil
}
