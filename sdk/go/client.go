package permitlinesdk

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

// Client is a minimal Permitline HTTP API client.
type Client struct {
	BaseURL string
	// Role is sent with every call; leave empty when the credentials carry a single role.
	Role        string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v0.
func New(baseURL, role string) *Client {
	return &Client{
		BaseURL: baseURL,
		Role:    role,
		Timeout: 10 * time.Second,
	}
}

type Document struct {
	ID             string `json:"id,omitempty"`
	Kind           string `json:"kind"`
	Name           string `json:"name,omitempty"`
	Ref            string `json:"ref"`
	PayloadVersion int    `json:"payload_version,omitempty"`
	AddedAt        string `json:"added_at,omitempty"`
}

// Request represents the API request model.
type Request struct {
	ID             string         `json:"id"`
	ApplicantID    string         `json:"applicant_id"`
	ServiceType    string         `json:"service_type"`
	RequestKind    string         `json:"request_kind"`
	State          string         `json:"state"`
	Holder         string         `json:"holder"`
	Actions        []string       `json:"actions"`
	Version        int64          `json:"version"`
	PayloadVersion int            `json:"payload_version"`
	FormPayload    map[string]any `json:"form_payload,omitempty"`
	CertificateRef string         `json:"certificate_ref,omitempty"`
	Documents      []Document     `json:"documents"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// TimelineEntry represents one audit record.
type TimelineEntry struct {
	ID            int64          `json:"id"`
	RequestID     string         `json:"request_id"`
	Action        string         `json:"action"`
	ActorRole     string         `json:"actor_role"`
	ActorIdentity string         `json:"actor_identity,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	FromState     string         `json:"from_state,omitempty"`
	ToState       string         `json:"to_state"`
	Details       map[string]any `json:"details,omitempty"`
	OccurredAt    string         `json:"occurred_at"`
}

type CreateRequest struct {
	ServiceType string         `json:"service_type"`
	RequestKind string         `json:"request_kind"`
	FormPayload map[string]any `json:"form_payload,omitempty"`
	Documents   []Document     `json:"documents,omitempty"`
	Draft       bool           `json:"draft,omitempty"`
}

type Transition struct {
	Action          string         `json:"action"`
	Comment         string         `json:"comment,omitempty"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`
	FormPayload     map[string]any `json:"form_payload,omitempty"`
	Documents       []Document     `json:"documents,omitempty"`
	DocumentID      string         `json:"document_id,omitempty"`
}

type TransitionResult struct {
	Request Request       `json:"request"`
	Entry   TimelineEntry `json:"timeline_entry"`
}

type Dashboard struct {
	Role     string `json:"role"`
	Pending  int    `json:"pending"`
	Approved int    `json:"approved"`
	Rejected int    `json:"rejected"`
}

// PaginatedRequests wraps list responses with cursors.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// ListOptions filters ListRequests.
type ListOptions struct {
	States      []string
	RequestKind string
	ServiceType string
	Limit       int
	Cursor      string
}

// APIError wraps non-2xx responses; Code, Message and Details come from the {"error": {...}} envelope.
type APIError struct {
	StatusCode int
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Body       string         `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports a lost optimistic-concurrency race: reload and retry.
func (e *APIError) Retryable() bool {
	return e.Code == "concurrent_modification"
}

// IsRetryable reports whether err is a retryable *APIError.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// CreateRequest files a request as the authenticated client.
func (c *Client) CreateRequest(ctx context.Context, body CreateRequest) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", nil, body, &resp)
	return resp, err
}

// GetRequest fetches a request with its latest payload.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), c.roleQuery(), nil, &resp)
	return resp, err
}

// ListRequests returns a page of requests, newest first.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (PaginatedRequests, error) {
	q := c.roleQuery()
	for _, s := range opts.States {
		q.Add("state", s)
	}
	if opts.RequestKind != "" {
		q.Set("request_kind", opts.RequestKind)
	}
	if opts.ServiceType != "" {
		q.Set("service_type", opts.ServiceType)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, "requests", q, nil, &resp)
	return resp, err
}

// Timeline returns a request's timeline, oldest first.
func (c *Client) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	var resp []TimelineEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("requests/%s/timeline", url.PathEscape(id)), c.roleQuery(), nil, &resp)
	return resp, err
}

// Transition applies an action as c.Role.
func (c *Client) Transition(ctx context.Context, id string, t Transition) (TransitionResult, error) {
	body := struct {
		Role string `json:"role,omitempty"`
		Transition
	}{Role: c.Role, Transition: t}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/transitions", url.PathEscape(id)), nil, body, &resp)
	return resp, err
}

// Queue returns the requests c.Role can act on.
func (c *Client) Queue(ctx context.Context, limit int) ([]Request, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Request `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "queues/"+url.PathEscape(c.Role), q, nil, &resp)
	return resp.Items, err
}

// Dashboard returns the counts for c.Role.
func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "dashboard/"+url.PathEscape(c.Role), nil, nil, &resp)
	return resp, err
}

func (c *Client) roleQuery() url.Values {
	q := url.Values{}
	if c.Role != "" {
		q.Set("role", c.Role)
	}
	return q
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
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
	req.Header.Set("Content-Type", "application/json")
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		envelope.Error = apiErr
		_ = json.Unmarshal(b, &envelope)
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
