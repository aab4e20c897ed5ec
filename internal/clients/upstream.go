// internal/clients/upstream.go
package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned without calling an upstream whose circuit is open.
var ErrUnavailable = errors.New("upstream unavailable")

const (
	breakerFailures = 5
	breakerInterval = time.Minute
	breakerTimeout  = 30 * time.Second
)

// upstream sends requests to one service through a circuit breaker. Transport
// errors and 5xx responses count as failures. After breakerFailures of them in
// a row calls fail fast until breakerTimeout has passed and a trial request succeeds.
type upstream struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func newUpstream(name string, httpClient *http.Client) *upstream {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &upstream{
		httpClient: httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    breakerInterval,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			// A caller giving up says nothing about the upstream.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

// do sends req. The caller closes the body of the returned response, whose
// status is below 500.
func (u *upstream) do(req *http.Request) (*http.Response, error) {
	out, err := u.breaker.Execute(func() (interface{}, error) {
		resp, err := u.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			defer resp.Body.Close()
			return nil, unexpectedStatus(resp)
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, u.breaker.Name(), err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// checkStatus maps a 404 to notFound and any other unexpected status to an
// error carrying the response text.
func checkStatus(resp *http.Response, want int, notFound error) error {
	if resp.StatusCode == want {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", notFound, responseText(resp))
	}
	return unexpectedStatus(resp)
}

func unexpectedStatus(resp *http.Response) error {
	return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, responseText(resp))
}

func responseText(resp *http.Response) string {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return strings.TrimSpace(string(msg))
}
