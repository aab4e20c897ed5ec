// internal/clients/membership_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"locallend/internal/membership"
)

// MembershipClient calls the membership service over HTTP.
type MembershipClient struct {
	baseURL  string
	upstream *upstream
}

func NewMembershipClient(baseURL string, httpClient *http.Client) *MembershipClient {
	return &MembershipClient{baseURL: baseURL, upstream: newUpstream("membership", httpClient)}
}

func (c *MembershipClient) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/members/%s", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.upstream.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK, membership.ErrMemberNotFound); err != nil {
		return nil, err
	}

	var member membership.Member
	if err := json.NewDecoder(resp.Body).Decode(&member); err != nil {
		return nil, fmt.Errorf("decode member: %w", err)
	}

	return &member, nil
}
