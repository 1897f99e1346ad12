package protolabsdk

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

// Client is a minimal Protolab HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Design represents the API design model (partial).
type Design struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Summary            string   `json:"summary,omitempty"`
	DisciplineTags     []string `json:"discipline_tags"`
	Difficulty         string   `json:"difficulty"`
	Status             string   `json:"status"`
	IsPublic           bool     `json:"is_public"`
	Version            int      `json:"version"`
	PublishedVersion   int      `json:"published_version"`
	HasDraftChanges    bool     `json:"has_draft_changes"`
	ExecutionCount     int      `json:"execution_count"`
	ReviewCount        int      `json:"review_count"`
	ReviewStatus       string   `json:"review_status"`
	DerivedDesignCount int      `json:"derived_design_count"`
	AuthorIDs          []string `json:"author_ids"`
}

// Execution represents one run of a design.
type Execution struct {
	ID                 string   `json:"id"`
	DesignID           string   `json:"design_id"`
	DesignVersion      int      `json:"design_version"`
	DesignTitle        string   `json:"design_title"`
	ExperimenterUID    string   `json:"experimenter_uid"`
	CoExperimenterUIDs []string `json:"co_experimenter_uids,omitempty"`
	Status             string   `json:"status"`
}

// Review represents one peer review of a published version.
type Review struct {
	ID             string `json:"id"`
	DesignID       string `json:"design_id"`
	VersionNumber  int    `json:"version_number"`
	ReviewerID     string `json:"reviewer_id"`
	GeneralComment string `json:"general_comment,omitempty"`
	Endorsement    bool   `json:"endorsement"`
	Status         string `json:"status"`
}

// ReviewSummary aggregates review standing for the current version.
type ReviewSummary struct {
	DesignID          string `json:"design_id"`
	VersionNumber     int    `json:"version_number"`
	Endorsements      int    `json:"endorsements"`
	NonEndorsements   int    `json:"non_endorsements"`
	CallerHasReviewed bool   `json:"caller_has_reviewed"`
	Reviewable        bool   `json:"reviewable"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedDesigns wraps list responses with cursors.
type PaginatedDesigns struct {
	Items      []Design `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// CreateDesign creates a private draft design.
func (c *Client) CreateDesign(ctx context.Context, payload map[string]any) (Design, error) {
	var resp Design
	err := c.do(ctx, http.MethodPost, "v0/designs", payload, &resp)
	return resp, err
}

// GetDesign fetches one design.
func (c *Client) GetDesign(ctx context.Context, id string) (Design, error) {
	var resp Design
	err := c.do(ctx, http.MethodGet, "v0/designs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListDesigns lists public designs, newest first.
func (c *Client) ListDesigns(ctx context.Context, discipline, difficulty string, limit int, cursor string) (PaginatedDesigns, error) {
	q := url.Values{}
	if discipline != "" {
		q.Set("discipline", discipline)
	}
	if difficulty != "" {
		q.Set("difficulty", difficulty)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/designs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedDesigns
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateDesign applies a partial edit.
func (c *Client) UpdateDesign(ctx context.Context, id string, patch map[string]any) (Design, error) {
	var resp Design
	err := c.do(ctx, http.MethodPatch, "v0/designs/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// PublishDesign publishes the design's pending content.
func (c *Client) PublishDesign(ctx context.Context, id, changelog string) (Design, error) {
	body := map[string]any{}
	if changelog != "" {
		body["changelog"] = changelog
	}
	var resp Design
	err := c.do(ctx, http.MethodPost, "v0/designs/"+url.PathEscape(id)+"/publish", body, &resp)
	return resp, err
}

// ForkDesign creates a new draft derived from id.
func (c *Client) ForkDesign(ctx context.Context, id, forkType, rationale string) (Design, error) {
	body := map[string]any{
		"fork_type":      forkType,
		"fork_rationale": rationale,
	}
	var resp Design
	err := c.do(ctx, http.MethodPost, "v0/designs/"+url.PathEscape(id)+"/fork", body, &resp)
	return resp, err
}

// StartExecution records a run against a design.
func (c *Client) StartExecution(ctx context.Context, designID string, coExperimenters []string) (Execution, error) {
	body := map[string]any{}
	if len(coExperimenters) > 0 {
		body["co_experimenter_uids"] = coExperimenters
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, "v0/designs/"+url.PathEscape(designID)+"/executions", body, &resp)
	return resp, err
}

// CancelExecution deletes an in-progress run.
func (c *Client) CancelExecution(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodDelete, "v0/executions/"+url.PathEscape(executionID), nil, nil)
}

// SubmitReview submits or resubmits the caller's review.
func (c *Client) SubmitReview(ctx context.Context, designID string, payload map[string]any) (Review, error) {
	var resp Review
	err := c.do(ctx, http.MethodPost, "v0/designs/"+url.PathEscape(designID)+"/reviews", payload, &resp)
	return resp, err
}

// GetReviewSummary fetches endorsement counts for the current version.
func (c *Client) GetReviewSummary(ctx context.Context, designID string) (ReviewSummary, error) {
	var resp ReviewSummary
	err := c.do(ctx, http.MethodGet, "v0/designs/"+url.PathEscape(designID)+"/reviews/summary", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
