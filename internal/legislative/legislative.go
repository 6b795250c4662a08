// Package legislative pulls bill and roll-call vote data from a
// GovTrack-style API.
package legislative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Bill identifies a measure that a trigger can be built from.
type Bill struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	ShortName string `json:"short_name"`
	Slug      string `json:"slug"`
}

// VoterRecord is one legislator's vote in a roll call.
type VoterRecord struct {
	GovTrackID int64  `json:"govtrack_id"`
	VoteKey    string `json:"vote_key"`
}

// Vote is a roll call: when it happened and how each member voted.
type Vote struct {
	URL     string        `json:"url"`
	Chamber string        `json:"chamber"`
	Created time.Time     `json:"created"`
	Voters  []VoterRecord `json:"voters"`
}

// Client fetches bills and votes.
type Client interface {
	FetchBill(ctx context.Context, billID string) (Bill, error)
	FetchVote(ctx context.Context, voteURL string) (Vote, error)
}

// Vote keys that are not substantive outcomes. Members who did not
// vote or voted "present" get no outcome, with a human-readable reason.
const (
	VoteKeyNotVoting = "0"
	VoteKeyPresent   = "P"
)

// ReasonForVoteKey translates a non-outcome vote key into the reason
// stored on the action, or "" if the key is a real outcome.
func ReasonForVoteKey(key string) string {
	switch key {
	case VoteKeyNotVoting:
		return "Did not vote."
	case VoteKeyPresent:
		return "Voted 'present'."
	}
	return ""
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("legislative api error: status=%d body=%s", e.StatusCode, e.Body)
}

// HTTPClient is the real Client over HTTP.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

func (c *HTTPClient) FetchBill(ctx context.Context, billID string) (Bill, error) {
	var b Bill
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("bills/%s", billID), nil, &b)
	return b, err
}

func (c *HTTPClient) FetchVote(ctx context.Context, voteURL string) (Vote, error) {
	var v Vote
	err := c.do(ctx, http.MethodGet, voteURL, nil, &v)
	if err == nil {
		v.URL = voteURL
	}
	return v, err
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		url = strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	}
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
	req.Header.Set("Accept", "application/json")
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
