// internal/lti/ags.go
package lti

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

/*
Assignment and Grade Services (AGS 2.0) client:
- Create/List/Delete line items
- Post scores
- Read results

Access tokens come from the ServiceTokenIssuer (signed client assertion);
the line-items URL and granted scope set come from the launch's AGS
endpoint claim.
*/

const (
	lineItemMediaType          = "application/vnd.ims.lis.v2.lineitem+json"
	lineItemContainerMediaType = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	scoreMediaType             = "application/vnd.ims.lis.v1.score+json"
	resultContainerMediaType   = "application/vnd.ims.lis.v2.resultcontainer+json"
)

// ===== Models (per IMS AGS 2.0 spec, trimmed to what we use) =====

type LineItem struct {
	ID             string  `json:"id,omitempty"`             // absolute URL for this line item
	ScoreMaximum   float64 `json:"scoreMaximum,omitempty"`   // required when creating
	Label          string  `json:"label,omitempty"`          // teacher-visible label
	ResourceID     string  `json:"resourceId,omitempty"`     // tool-defined grouping
	ResourceLinkID string  `json:"resourceLinkId,omitempty"` // from launch claim
	Tag            string  `json:"tag,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"` // RFC3339
	EndDateTime    string  `json:"endDateTime,omitempty"`   // RFC3339
}

type Score struct {
	UserID           string   `json:"userId"`
	Timestamp        string   `json:"timestamp"`              // RFC3339
	ScoreGiven       *float64 `json:"scoreGiven,omitempty"`   // awarded points
	ScoreMaximum     *float64 `json:"scoreMaximum,omitempty"` // usually equals line item max
	ActivityProgress string   `json:"activityProgress"`       // Initialized|InProgress|Submitted|Completed
	GradingProgress  string   `json:"gradingProgress"`        // NotReady|Pending|Failed|PendingManual|FullyGraded
	Comment          string   `json:"comment,omitempty"`
}

type Result struct {
	ID            string   `json:"id,omitempty"` // result URL
	UserID        string   `json:"userId,omitempty"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum *float64 `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
}

// agsEndpoint mirrors the launch claim
// https://purl.imsglobal.org/spec/lti-ags/claim/endpoint.
type agsEndpoint struct {
	LineItems string   `json:"lineitems"`
	LineItem  string   `json:"lineitem"`
	Scope     []string `json:"scope"`
}

// ===== Client =====

type AGSClient struct {
	Tokens *ServiceTokenIssuer

	// HTTPClient for grade calls; a 15s-timeout client when nil.
	HTTPClient *http.Client
	// MaxPages bounds Link-header pagination; 50 when zero.
	MaxPages int

	registrationID string
	lineItemsURL   string
	scopes         []string
}

// NewAGSClient builds a client from values stashed at launch time (the
// line-items URL and granted scope set from the AGS endpoint claim).
func NewAGSClient(tokens *ServiceTokenIssuer, registrationID, lineItemsURL string, scopes []string) *AGSClient {
	return &AGSClient{
		Tokens:         tokens,
		registrationID: registrationID,
		lineItemsURL:   lineItemsURL,
		scopes:         scopes,
	}
}

// NewAGSFromLaunch builds a client from the launch's AGS endpoint claim.
// Returns an error when the platform did not grant AGS for this launch.
func NewAGSFromLaunch(id *ValidatedIdentity, tokens *ServiceTokenIssuer) (*AGSClient, error) {
	rawClaim, _ := id.Claim(ClaimAGSEndpoint)
	claim, ok := rawClaim.(map[string]any)
	if !ok {
		return nil, errors.New("ags: launch has no endpoint claim")
	}
	b, _ := json.Marshal(claim)
	var ep agsEndpoint
	if err := json.Unmarshal(b, &ep); err != nil {
		return nil, fmt.Errorf("ags: decode endpoint claim: %w", err)
	}
	if ep.LineItems == "" && ep.LineItem == "" {
		return nil, errors.New("ags: endpoint claim has no line item URL")
	}
	return NewAGSClient(tokens, id.RegistrationID(), ep.LineItems, ep.Scope), nil
}

// ===== Public API =====

// CreateLineItem POSTs a new line item to the platform and returns the created item.
func (c *AGSClient) CreateLineItem(ctx context.Context, li LineItem) (LineItem, error) {
	if c.lineItemsURL == "" {
		return LineItem{}, errors.New("ags: no line items URL")
	}
	if li.ScoreMaximum <= 0 {
		return LineItem{}, errors.New("ags: scoreMaximum required and > 0")
	}
	tok, err := c.token(ctx, ScopeAGSLineItem)
	if err != nil {
		return LineItem{}, err
	}
	body, _ := json.Marshal(li)
	var created LineItem
	err = c.do(ctx, http.MethodPost, c.lineItemsURL, tok, lineItemMediaType, lineItemMediaType, bytes.NewReader(body), &created)
	if err != nil {
		return LineItem{}, err
	}
	return created, nil
}

// ListLineItems pages through the platform's line item collection, optionally
// filtered by resource id / resource link id.
func (c *AGSClient) ListLineItems(ctx context.Context, resourceID, resourceLinkID string, limit int) ([]LineItem, error) {
	if c.lineItemsURL == "" {
		return nil, errors.New("ags: no line items URL")
	}
	tok, err := c.token(ctx, ScopeAGSLineItem)
	if err != nil {
		return nil, err
	}

	u := c.lineItemsURL
	if resourceID != "" {
		u = appendQuery(u, "resource_id", resourceID)
	}
	if resourceLinkID != "" {
		u = appendQuery(u, "resource_link_id", resourceLinkID)
	}
	if limit > 0 {
		u = appendQuery(u, "limit", strconv.Itoa(limit))
	}

	var items []LineItem
	next := u
	for page := 0; next != ""; page++ {
		if page >= c.maxPages() {
			return nil, fmt.Errorf("ags: pagination exceeded %d pages", c.maxPages())
		}
		var pageItems []LineItem
		nextURL, err := c.getPage(ctx, next, tok, lineItemContainerMediaType, &pageItems)
		if err != nil {
			return nil, err
		}
		items = append(items, pageItems...)
		next = nextURL
	}
	return items, nil
}

// DeleteLineItem removes a line item by its absolute URL.
func (c *AGSClient) DeleteLineItem(ctx context.Context, lineItemURL string) error {
	tok, err := c.token(ctx, ScopeAGSLineItem)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, lineItemURL, tok, "", "", nil, nil)
}

// PostScore publishes a score against a line item.
func (c *AGSClient) PostScore(ctx context.Context, lineItemURL string, s Score) error {
	if s.UserID == "" {
		return errors.New("ags: score requires userId")
	}
	if s.Timestamp == "" {
		s.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	tok, err := c.token(ctx, ScopeAGSScore)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(s)
	return c.do(ctx, http.MethodPost, scoresURL(lineItemURL), tok, scoreMediaType, "", bytes.NewReader(body), nil)
}

// GetResults reads the results collection of a line item, optionally for one user.
func (c *AGSClient) GetResults(ctx context.Context, lineItemURL, userID string) ([]Result, error) {
	tok, err := c.token(ctx, ScopeAGSResult)
	if err != nil {
		return nil, err
	}
	u := resultsURL(lineItemURL)
	if userID != "" {
		u = appendQuery(u, "user_id", userID)
	}
	var results []Result
	next := u
	for page := 0; next != ""; page++ {
		if page >= c.maxPages() {
			return nil, fmt.Errorf("ags: pagination exceeded %d pages", c.maxPages())
		}
		var pageResults []Result
		nextURL, err := c.getPage(ctx, next, tok, resultContainerMediaType, &pageResults)
		if err != nil {
			return nil, err
		}
		results = append(results, pageResults...)
		next = nextURL
	}
	return results, nil
}

// ===== Internals =====

// token asks the issuer for the narrowest scope the platform granted that
// still covers the operation.
func (c *AGSClient) token(ctx context.Context, scope string) (string, error) {
	if len(c.scopes) > 0 && !containsString(c.scopes, scope) {
		return "", fmt.Errorf("ags: platform did not grant scope %s", scope)
	}
	tok, err := c.Tokens.IssueToken(ctx, c.registrationID, []string{scope})
	if err != nil {
		return "", fmt.Errorf("ags: token: %w", err)
	}
	return tok.Token, nil
}

func (c *AGSClient) do(ctx context.Context, method, rawURL, bearer, contentType, accept string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("ags: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("ags: %s: %w", method, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ags: %s %s returned %d: %s", method, rawURL, resp.StatusCode,
			strings.TrimSpace(string(payload)))
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("ags: decode response: %w", err)
		}
	}
	return nil
}

func (c *AGSClient) getPage(ctx context.Context, pageURL, bearer, accept string, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("ags: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", accept)
	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("ags: fetch page: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("ags: GET %s returned %d: %s", pageURL, resp.StatusCode,
			strings.TrimSpace(string(payload)))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return "", fmt.Errorf("ags: decode page: %w", err)
	}
	return nextLink(resp.Header), nil
}

func (c *AGSClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (c *AGSClient) maxPages() int {
	if c.MaxPages > 0 {
		return c.MaxPages
	}
	return 50
}

// scoresURL derives the /scores companion URL, preserving any query string.
func scoresURL(lineItemURL string) string { return companionURL(lineItemURL, "/scores") }

// resultsURL derives the /results companion URL, preserving any query string.
func resultsURL(lineItemURL string) string { return companionURL(lineItemURL, "/results") }

func companionURL(lineItemURL, suffix string) string {
	u, err := url.Parse(lineItemURL)
	if err != nil {
		return lineItemURL + suffix
	}
	u.Path = strings.TrimRight(u.Path, "/") + suffix
	return u.String()
}

func containsString(hay []string, needle string) bool {
	for _, s := range hay {
		if s == needle {
			return true
		}
	}
	return false
}
