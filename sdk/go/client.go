package bountyhubsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the Bountyhub HTTP API.
type Client struct {
	BaseURL     string
	BearerToken string
	// APIKey authenticates an integration such as the issue tracker.
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New returns a client for baseURL, e.g. "https://api.example.com/v1".
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

type Bounty struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Reward         int64    `json:"reward"`
	RewardDisplay  string   `json:"reward_display"`
	Currency       string   `json:"currency"`
	Status         string   `json:"status"`
	CreatorID      string   `json:"creator_id"`
	ClientID       string   `json:"client_id"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	IssueURL       *string  `json:"issue_url,omitempty"`
	PullRequestURL *string  `json:"pull_request_url,omitempty"`
	Labels         []string `json:"labels,omitempty"`
	Deadline       *string  `json:"deadline,omitempty"`
	TransferID     *string  `json:"transfer_id,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

type CreateBounty struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Reward      float64  `json:"reward"`
	ClientID    string   `json:"client_id"`
	IssueURL    string   `json:"issue_url,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Deadline    string   `json:"deadline,omitempty"`
}

// UpdateBounty sends only non-nil fields.
type UpdateBounty struct {
	Title          *string   `json:"title,omitempty"`
	Description    *string   `json:"description,omitempty"`
	Reward         *float64  `json:"reward,omitempty"`
	Labels         *[]string `json:"labels,omitempty"`
	Deadline       *string   `json:"deadline,omitempty"`
	IssueURL       *string   `json:"issue_url,omitempty"`
	PullRequestURL *string   `json:"pull_request_url,omitempty"`
	Status         *string   `json:"status,omitempty"`
}

type ListOptions struct {
	Status     string
	ClientID   string
	CreatorID  string
	AssigneeID string
	RewardMin  float64
	RewardMax  float64
	Limit      int
}

type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	BountyID     string `json:"bounty_id"`
	Currency     string `json:"currency"`
	BountyAmount int64  `json:"bounty_amount"`
	PlatformFee  int64  `json:"platform_fee"`
	TotalAmount  int64  `json:"total_amount"`
}

type PayoutAccount struct {
	AccountID      string `json:"account_id"`
	OnboardingURL  string `json:"onboarding_url,omitempty"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	Existing       bool   `json:"existing"`
}

type Transfer struct {
	ID                   string `json:"id"`
	BountyID             string `json:"bounty_id"`
	DestinationAccountID string `json:"destination_account_id"`
	Amount               int64  `json:"amount"`
	PlatformFee          int64  `json:"platform_fee"`
	Currency             string `json:"currency"`
}

type Settlement struct {
	Bounty   Bounty   `json:"bounty"`
	Transfer Transfer `json:"transfer"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Reason come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Reason     string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s reason=%s: %s", e.StatusCode, e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateBounty(ctx context.Context, in CreateBounty) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPost, "bounties", in, &resp)
	return resp, err
}

func (c *Client) GetBounty(ctx context.Context, id string) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodGet, "bounties/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListBounties(ctx context.Context, opts ListOptions) ([]Bounty, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("status", opts.Status)
	set("client_id", opts.ClientID)
	set("creator_id", opts.CreatorID)
	set("assignee_id", opts.AssigneeID)
	if opts.RewardMin > 0 {
		q.Set("reward_min", strconv.FormatFloat(opts.RewardMin, 'f', -1, 64))
	}
	if opts.RewardMax > 0 {
		q.Set("reward_max", strconv.FormatFloat(opts.RewardMax, 'f', -1, 64))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "bounties"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Bounty `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) UpdateBounty(ctx context.Context, id string, in UpdateBounty) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPatch, "bounties/"+url.PathEscape(id), in, &resp)
	return resp, err
}

func (c *Client) DeleteBounty(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "bounties/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AssignBounty(ctx context.Context, id string) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPost, "bounties/"+url.PathEscape(id)+"/assign", nil, &resp)
	return resp, err
}

func (c *Client) ReleaseBounty(ctx context.Context, id string) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPost, "bounties/"+url.PathEscape(id)+"/release", nil, &resp)
	return resp, err
}

// BountyEvents returns the bounty's history, newest first.
func (c *Client) BountyEvents(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := "bounties/" + url.PathEscape(id) + "/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) CreatePaymentIntent(ctx context.Context, bountyID string) (PaymentIntent, error) {
	var resp PaymentIntent
	err := c.do(ctx, http.MethodPost, "payments/intent", map[string]string{"bounty_id": bountyID}, &resp)
	return resp, err
}

func (c *Client) CreatePayoutAccount(ctx context.Context) (PayoutAccount, error) {
	var resp PayoutAccount
	err := c.do(ctx, http.MethodPost, "payments/connect-account", nil, &resp)
	return resp, err
}

func (c *Client) PayoutLink(ctx context.Context) (PayoutAccount, error) {
	var resp PayoutAccount
	err := c.do(ctx, http.MethodGet, "payments/connect-account/link", nil, &resp)
	return resp, err
}

func (c *Client) DisconnectPayoutAccount(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "payments/connect-account/disconnect", nil, nil)
}

// Settle pays an approved bounty to its assignee.
func (c *Client) Settle(ctx context.Context, bountyID string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodPost, "payments/process/"+url.PathEscape(bountyID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		if r, ok := env.Error.Details["reason"].(string); ok {
			apiErr.Reason = r
		}
	}
	return apiErr
}
