package pdvapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pdv_terminal/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	ErrCreditLimitExceeded = errors.New("credit limit exceeded")
	ErrAccountBlocked      = errors.New("client account blocked")
	ErrCredentialMismatch  = errors.New("credential mismatch")
	ErrMissingID           = errors.New("id is required")
	ErrRateLimited         = errors.New("pdv api rate limited")
)

type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("pdv api error: %s", e.Status)
	}
	return fmt.Sprintf("pdv api error: %s: %s", e.Status, e.Body)
}

// PolicyError is a credit policy refusal. It unwraps to
// ErrCreditLimitExceeded or ErrAccountBlocked.
type PolicyError struct {
	Code   int
	Reason string
	kind   error
}

func (e *PolicyError) Error() string {
	if e.Reason == "" {
		return e.kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.kind.Error(), e.Reason)
}

func (e *PolicyError) Unwrap() error {
	return e.kind
}

// NewPolicyError builds the refusal for a 402 (limit) or 403 (blocked)
// answer.
func NewPolicyError(code int, reason string) *PolicyError {
	kind := ErrCreditLimitExceeded
	if code == http.StatusForbidden {
		kind = ErrAccountBlocked
	}
	return &PolicyError{Code: code, Reason: reason, kind: kind}
}

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(cfg config.Config, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIBaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// Only idempotent reads are retried here; settlement and
			// authorization calls are resubmitted by their orchestrators.
			if resp != nil && resp.Request != nil && resp.Request.Method != http.MethodGet {
				return false
			}
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode() == http.StatusTooManyRequests
		})

	return &Client{
		http:   httpClient,
		logger: logger.Named("pdvapi"),
	}
}

// FinalizeSale submits a sale for settlement. The sale id doubles as the
// idempotency key so a resubmission cannot settle twice.
func (c *Client) FinalizeSale(ctx context.Context, req SettlementRequest) (SettlementReceipt, error) {
	if strings.TrimSpace(req.SaleID) == "" {
		return SettlementReceipt{}, fmt.Errorf("sale: %w", ErrMissingID)
	}

	var receipt SettlementReceipt
	r := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.SaleID).
		SetBody(req).
		SetResult(&receipt)

	if err := c.do(r, http.MethodPost, "/vendas/finalizar"); err != nil {
		return SettlementReceipt{}, err
	}

	c.logger.Info("sale finalized",
		zap.String("sale_id", req.SaleID),
		zap.String("remote_id", receipt.ID.String()),
		zap.String("status", receipt.Status),
		zap.Bool("override", req.Override != nil),
	)
	return receipt, nil
}

// CreateAuthorizationRequest notifies remote approvers and returns the
// server-assigned request id.
func (c *Client) CreateAuthorizationRequest(ctx context.Context, req AuthorizationCreate) (string, error) {
	var created authorizationCreated
	r := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&created)

	if err := c.do(r, http.MethodPost, "/solicitacoes/"); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("authorization request: %w", ErrMissingID)
	}
	return created.ID.String(), nil
}

// VerifyAdmin checks a manager password. The backend answers with the
// active admin or manager it belongs to; a mismatch is reported as
// ErrCredentialMismatch.
func (c *Client) VerifyAdmin(ctx context.Context, password string) (Approver, error) {
	var approver Approver
	r := c.http.R().
		SetContext(ctx).
		SetBody(adminCheck{Password: password}).
		SetResult(&approver)

	if err := c.do(r, http.MethodPost, "/auth/verify-admin"); err != nil {
		return Approver{}, err
	}
	if approver.ID == "" {
		return Approver{}, fmt.Errorf("admin: %w", ErrMissingID)
	}
	return approver, nil
}

// VerifyCredential checks the PIN a client types to allow a store credit
// tender. The backend answers with the full client record.
func (c *Client) VerifyCredential(ctx context.Context, clientID, pin string) (ClientSnapshot, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return ClientSnapshot{}, fmt.Errorf("client: %w", ErrMissingID)
	}

	var snapshot ClientSnapshot
	r := c.http.R().
		SetContext(ctx).
		SetBody(pinCheck{PIN: pin}).
		SetResult(&snapshot)

	err := c.do(r, http.MethodPost, fmt.Sprintf("/clientes/%s/verificar-senha", clientID))
	if err != nil {
		return ClientSnapshot{}, err
	}
	return snapshot, nil
}

func (c *Client) GetClient(ctx context.Context, clientID string) (ClientSnapshot, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return ClientSnapshot{}, fmt.Errorf("client: %w", ErrMissingID)
	}

	var snapshot ClientSnapshot
	r := c.http.R().SetContext(ctx).SetResult(&snapshot)
	if err := c.do(r, http.MethodGet, fmt.Sprintf("/clientes/%s", clientID)); err != nil {
		return ClientSnapshot{}, err
	}
	return snapshot, nil
}

func (c *Client) do(req *resty.Request, method, path string) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("pdv request: %w", err)
	}
	if resp.IsError() {
		apiErr := apiErrorFromResponse(resp)
		c.logger.Warn("pdv api error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()),
			zap.Error(apiErr),
		)
		return apiErr
	}
	return nil
}

func apiErrorFromResponse(resp *resty.Response) error {
	body := strings.TrimSpace(resp.String())
	apiErr := &APIError{
		StatusCode: resp.StatusCode(),
		Status:     resp.Status(),
		Body:       body,
	}

	switch resp.StatusCode() {
	case http.StatusPaymentRequired, http.StatusForbidden:
		return NewPolicyError(resp.StatusCode(), detailFromBody(body))
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrCredentialMismatch, detailFromBody(body))
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Error())
	default:
		return apiErr
	}
}

// detailFromBody extracts the human-readable reason from an error body.
// The backend answers {"detail": "..."} or a validation list
// {"detail": [{"msg": "..."}]}; anything else is returned verbatim.
func detailFromBody(body string) string {
	var parsed errorBody
	if err := json.Unmarshal([]byte(body), &parsed); err != nil || len(parsed.Detail) == 0 {
		return body
	}

	var text string
	if err := json.Unmarshal(parsed.Detail, &text); err == nil {
		return text
	}

	var list []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(parsed.Detail, &list); err == nil && len(list) > 0 && list[0].Msg != "" {
		return list[0].Msg
	}
	return body
}
