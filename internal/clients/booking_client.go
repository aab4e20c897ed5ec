// internal/clients/booking_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"locallend/internal/auth"
	"locallend/internal/membership"
)

// BookingClient calls the booking service over HTTP. Requests carry the bearer
// token of the caller in ctx, so the booking service only reveals bookings
// that caller takes part in.
type BookingClient struct {
	baseURL  string
	upstream *upstream
}

func NewBookingClient(baseURL string, httpClient *http.Client) *BookingClient {
	return &BookingClient{baseURL: baseURL, upstream: newUpstream("booking", httpClient)}
}

func (c *BookingClient) GetBooking(ctx context.Context, id uuid.UUID) (*membership.BookingRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/bookings/%s", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}
	if token, ok := auth.Token(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.upstream.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", membership.ErrNotBookingBorrower, responseText(resp))
	}
	if err := checkStatus(resp, http.StatusOK, membership.ErrBookingNotFound); err != nil {
		return nil, err
	}

	var b membership.BookingRecord
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode booking: %w", err)
	}
	return &b, nil
}
