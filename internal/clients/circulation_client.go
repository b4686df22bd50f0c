// internal/clients/circulation_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"schoollib/internal/circulation"
)

// CirculationClient talks to a running circulation service over HTTP.
// Requests fail fast with gobreaker.ErrOpenState after repeated server failures.
type CirculationClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewCirculationClient(baseURL string, httpClient *http.Client) *CirculationClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CirculationClient{
		baseURL: baseURL,
		http:    httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "circulation",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: countsAsSuccess,
		}),
	}
}

// countsAsSuccess keeps client errors from opening the breaker.
func countsAsSuccess(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode < http.StatusInternalServerError
	}
	return err == nil
}

// StatusError carries a non-success response from the service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Message)
}

func (c *CirculationClient) CreateLoan(ctx context.Context, borrowerID, copyID uuid.UUID, termDays int) (*circulation.Loan, error) {
	body := struct {
		BorrowerID uuid.UUID `json:"borrower_id"`
		CopyID     uuid.UUID `json:"copy_id"`
		TermDays   int       `json:"term_days,omitempty"`
	}{borrowerID, copyID, termDays}

	var loan circulation.Loan
	if err := c.do(ctx, http.MethodPost, "/loans", body, http.StatusCreated, &loan); err != nil {
		return nil, err
	}
	return &loan, nil
}

func (c *CirculationClient) CloseLoan(ctx context.Context, loanID uuid.UUID) (*circulation.Loan, error) {
	var loan circulation.Loan
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/loans/%s/return", loanID), nil, http.StatusOK, &loan); err != nil {
		return nil, err
	}
	return &loan, nil
}

func (c *CirculationClient) ApproveReservation(ctx context.Context, reservationID uuid.UUID) (*circulation.Approval, error) {
	var approval circulation.Approval
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/reservations/%s/approve", reservationID), nil, http.StatusOK, &approval); err != nil {
		return nil, err
	}
	return &approval, nil
}

func (c *CirculationClient) IsCopyAvailable(ctx context.Context, copyID uuid.UUID) (bool, error) {
	var resp struct {
		Available bool `json:"available"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/copies/%s/availability", copyID), nil, http.StatusOK, &resp); err != nil {
		return false, err
	}
	return resp.Available, nil
}

// Reconcile asks the service to run a flag repair sweep.
func (c *CirculationClient) Reconcile(ctx context.Context) (*circulation.SweepReport, error) {
	var report circulation.SweepReport
	if err := c.do(ctx, http.MethodPost, "/admin/reconcile", nil, http.StatusOK, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *CirculationClient) do(ctx context.Context, method, path string, in any, want int, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, in, want, out)
	})
	return err
}

func (c *CirculationClient) roundTrip(ctx context.Context, method, path string, in any, want int, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
