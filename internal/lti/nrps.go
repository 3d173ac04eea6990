// internal/lti/nrps.go
package lti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

/*
Names and Role Provisioning Services (NRPS v2) client

Fetches course membership from the platform's context_memberships_url,
which arrives inside the launch id_token's NRPS claim. Access tokens come
from the ServiceTokenIssuer with the membership readonly scope. Results
span pages linked via the standard Link: <...>; rel="next" header.
*/

const nrpsMediaType = "application/vnd.ims.lti-nrps.v2.membershipcontainer+json"

// Member is one row of a membership container.
type Member struct {
	UserID  string   `json:"user_id"`
	Status  string   `json:"status"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Roles   []string `json:"roles"`
	Picture string   `json:"picture,omitempty"`
}

// MembershipContainer mirrors the NRPS response envelope.
type MembershipContainer struct {
	ID      string `json:"id"`
	Context struct {
		ID    string `json:"id"`
		Label string `json:"label,omitempty"`
		Title string `json:"title,omitempty"`
	} `json:"context"`
	Members []Member `json:"members"`
}

// NRPSClient retrieves memberships for launches that carried an NRPS claim.
type NRPSClient struct {
	Tokens *ServiceTokenIssuer

	// HTTPClient for membership fetches; a 15s-timeout client when nil.
	HTTPClient *http.Client
	// MaxPages bounds Link-header pagination; 50 when zero.
	MaxPages int
}

// membershipURL digs the context_memberships_url out of the launch claims.
func membershipURL(id *ValidatedIdentity) (string, error) {
	raw, _ := id.Claim(ClaimNRPS)
	claim, ok := raw.(map[string]any)
	if !ok {
		return "", errors.New("nrps: launch has no names-and-roles claim")
	}
	u, _ := claim["context_memberships_url"].(string)
	if u == "" {
		return "", errors.New("nrps: claim has no context_memberships_url")
	}
	return u, nil
}

// Memberships fetches the full member list for the launch's context,
// following pagination. Pass a resource link id to scope membership to one
// resource link, or "" for the whole context.
func (c *NRPSClient) Memberships(ctx context.Context, id *ValidatedIdentity, resourceLinkID string) ([]Member, error) {
	base, err := membershipURL(id)
	if err != nil {
		return nil, err
	}
	return c.MembershipsAt(ctx, id.RegistrationID(), base, resourceLinkID)
}

// MembershipsAt is Memberships for callers that stashed the
// context_memberships_url at launch time instead of holding the identity.
func (c *NRPSClient) MembershipsAt(ctx context.Context, registrationID, base, resourceLinkID string) ([]Member, error) {
	tok, err := c.Tokens.IssueToken(ctx, registrationID, []string{ScopeNRPSMembership})
	if err != nil {
		return nil, fmt.Errorf("nrps: token: %w", err)
	}

	next := base
	if resourceLinkID != "" {
		next = appendQuery(base, "rlid", resourceLinkID)
	}

	var members []Member
	for page := 0; next != ""; page++ {
		if page >= c.maxPages() {
			return nil, fmt.Errorf("nrps: pagination exceeded %d pages", c.maxPages())
		}
		container, nextURL, err := c.fetchPage(ctx, next, tok.Token)
		if err != nil {
			return nil, err
		}
		members = append(members, container.Members...)
		next = nextURL
	}
	return members, nil
}

func (c *NRPSClient) fetchPage(ctx context.Context, pageURL, bearer string) (MembershipContainer, string, error) {
	var container MembershipContainer

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return container, "", fmt.Errorf("nrps: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", nrpsMediaType)

	resp, err := c.client().Do(req)
	if err != nil {
		return container, "", fmt.Errorf("nrps: fetch memberships: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode/100 != 2 {
		return container, "", fmt.Errorf("nrps: memberships endpoint returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, &container); err != nil {
		return container, "", fmt.Errorf("nrps: decode membership container: %w", err)
	}
	return container, nextLink(resp.Header), nil
}

func (c *NRPSClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (c *NRPSClient) maxPages() int {
	if c.MaxPages > 0 {
		return c.MaxPages
	}
	return 50
}

// nextLink extracts the rel="next" target from a Link header, "" if none.
func nextLink(h http.Header) string {
	for _, raw := range h.Values("Link") {
		for _, part := range strings.Split(raw, ",") {
			seg := strings.Split(part, ";")
			if len(seg) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(seg[0]), "<>")
			for _, attr := range seg[1:] {
				attr = strings.TrimSpace(attr)
				if attr == `rel="next"` || attr == "rel=next" {
					return target
				}
			}
		}
	}
	return ""
}

func appendQuery(base, key, value string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
