// Package donations talks to the payment processor that splits a
// donor's charge into per-recipient campaign contributions.
package donations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is one recipient's share of a donation.
type LineItem struct {
	RecipientProcessorID string          `json:"recipient_id"`
	Amount               decimal.Decimal `json:"amount"`
}

// DonationRequest describes the charge to split. AuthTestRequest runs
// card validation without moving money.
type DonationRequest struct {
	AccountID       string          `json:"account_id"`
	Email           string          `json:"email"`
	Amount          decimal.Decimal `json:"amount"`
	Fees            decimal.Decimal `json:"fees"`
	LineItems       []LineItem      `json:"line_items"`
	AuthTestRequest bool            `json:"auth_test_request,omitempty"`
	AuxData         map[string]any  `json:"aux_data,omitempty"`
}

// SettledLineItem reports the transaction one recipient's share
// settled under. A void must reference the transaction GUID.
type SettledLineItem struct {
	RecipientProcessorID string `json:"recipient_id"`
	TransactionGUID      string `json:"transaction_guid"`
}

// Donation is the processor's record of a completed charge.
type Donation struct {
	DonationID string            `json:"donation_id"`
	LineItems  []SettledLineItem `json:"line_items"`
	Raw        json.RawMessage   `json:"-"`
}

// Processor executes and reverses donations. allowCredit lets the
// processor refund as account credit when a straight void is no longer
// possible (the transaction already settled).
type Processor interface {
	CreateDonation(ctx context.Context, req DonationRequest) (Donation, error)
	VoidTransaction(ctx context.Context, transactionGUID string, allowCredit bool) error
}

// ValidationError is the processor rejecting the donation for a reason
// the donor could fix (declined card, bad address). It is the only
// processor failure an execution records and moves past; anything else
// aborts the execution.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("donation rejected: %s", e.Message)
}

// APIError wraps non-2xx responses that are not validation failures.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("processor error: status=%d body=%s", e.StatusCode, e.Body)
}

// HTTPProcessor is the real Processor over HTTP.
type HTTPProcessor struct {
	BaseURL    string
	AccountID  string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPProcessor(baseURL, accountID string) *HTTPProcessor {
	return &HTTPProcessor{
		BaseURL:   baseURL,
		AccountID: accountID,
		Timeout:   30 * time.Second,
	}
}

func (p *HTTPProcessor) CreateDonation(ctx context.Context, req DonationRequest) (Donation, error) {
	if req.AccountID == "" {
		req.AccountID = p.AccountID
	}
	var raw json.RawMessage
	if err := p.do(ctx, http.MethodPost, "donations", req, &raw); err != nil {
		return Donation{}, err
	}
	var d Donation
	if err := json.Unmarshal(raw, &d); err != nil {
		return Donation{}, fmt.Errorf("decode donation: %w", err)
	}
	d.Raw = raw
	return d, nil
}

func (p *HTTPProcessor) VoidTransaction(ctx context.Context, transactionGUID string, allowCredit bool) error {
	body := struct {
		AllowCredit bool `json:"allow_credit"`
	}{AllowCredit: allowCredit}
	return p.do(ctx, http.MethodPost, fmt.Sprintf("transactions/%s/void", transactionGUID), body, nil)
}

func (p *HTTPProcessor) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: p.Timeout}
	}
	url := strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
	if p.APIKey != "" {
		req.Header.Set("X-Api-Key", p.APIKey)
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnprocessableEntity {
		var ve struct {
			Message string `json:"message"`
		}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &ve) == nil && ve.Message != "" {
			return &ValidationError{Message: ve.Message}
		}
		return &ValidationError{Message: string(b)}
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
