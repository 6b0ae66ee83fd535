package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultMaxAttempts   = 3
	defaultRetryInterval = 200 * time.Millisecond
	maxResponseBytes     = 1 << 20
)

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL       string
	SecretKey     string
	Timeout       time.Duration // per HTTP call
	MaxAttempts   int
	RetryInterval time.Duration // first backoff interval
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Client talks to the gateway's transaction API with bearer-token auth.
// Network failures, timeouts, 429 and 5xx answers are retried with
// exponential backoff up to MaxAttempts calls; everything else is final.
type Client struct {
	base        *url.URL
	secret      string
	timeout     time.Duration
	maxAttempts int
	interval    time.Duration
	http        *http.Client
	log         *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("payment: invalid gateway base url %q", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("payment: gateway secret key is required")
	}
	c := &Client{
		base:        base,
		secret:      strings.TrimSpace(cfg.SecretKey),
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.RetryInterval,
		http:        cfg.HTTPClient,
		log:         cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.interval <= 0 {
		c.interval = defaultRetryInterval
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initiateBody struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type initiateData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Reference string     `json:"reference"`
	Status    string     `json:"status"`
	Amount    *int64     `json:"amount"`
	Currency  string     `json:"currency"`
	PaidAt    *time.Time `json:"paid_at"`
}

// Initiate opens a gateway transaction and returns where to send the buyer.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (Redirect, error) {
	if req.Reference == "" || req.AmountMinor <= 0 || req.Email == "" {
		return Redirect{}, fmt.Errorf("%w: reference, positive amount and email are required", ErrGatewayRejected)
	}
	body, err := json.Marshal(initiateBody{
		Email:       req.Email,
		Amount:      req.AmountMinor,
		Currency:    strings.ToUpper(req.Currency),
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Metadata:    map[string]string{"order_id": req.OrderID},
	})
	if err != nil {
		return Redirect{}, err
	}

	var data initiateData
	if err := c.do(ctx, "initiate", http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return Redirect{}, err
	}
	if data.AuthorizationURL == "" {
		return Redirect{}, fmt.Errorf("%w: missing authorization_url", ErrMalformedResponse)
	}
	if data.Reference != "" && data.Reference != req.Reference {
		return Redirect{}, fmt.Errorf("%w: reference %q does not match %q", ErrMalformedResponse, data.Reference, req.Reference)
	}
	c.log.Info("payment initiated",
		zap.String("order_id", req.OrderID),
		zap.String("reference", req.Reference),
		zap.Int64("amount_minor", req.AmountMinor),
	)
	return Redirect{AuthorizationURL: data.AuthorizationURL, AccessCode: data.AccessCode, Reference: req.Reference}, nil
}

// Verify asks the gateway for the current state of a transaction.
func (c *Client) Verify(ctx context.Context, reference string) (Verification, error) {
	if strings.TrimSpace(reference) == "" {
		return Verification{}, fmt.Errorf("%w: empty reference", ErrGatewayRejected)
	}
	var data verifyData
	if err := c.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return Verification{}, err
	}

	status, ok := normaliseStatus(data.Status)
	if !ok {
		return Verification{}, fmt.Errorf("%w: unknown transaction status %q", ErrMalformedResponse, data.Status)
	}
	if data.Reference != reference {
		return Verification{}, fmt.Errorf("%w: reference %q does not match %q", ErrMalformedResponse, data.Reference, reference)
	}
	if data.Amount == nil || *data.Amount < 0 {
		return Verification{}, fmt.Errorf("%w: missing amount", ErrMalformedResponse)
	}
	if strings.TrimSpace(data.Currency) == "" {
		return Verification{}, fmt.Errorf("%w: missing currency", ErrMalformedResponse)
	}
	return Verification{
		Reference:     data.Reference,
		Status:        status,
		AmountMinor:   *data.Amount,
		Currency:      strings.ToUpper(data.Currency),
		GatewayStatus: data.Status,
		PaidAt:        data.PaidAt,
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.interval
	policy.MaxInterval = 10 * c.interval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)

	calls := 0
	err := backoff.Retry(func() error {
		calls++
		err := c.call(ctx, method, path, body, out)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err == nil {
		return nil
	}

	if isRetryable(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		c.log.Warn("payment gateway unavailable",
			zap.String("op", op),
			zap.Int("calls", calls),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s after %d call(s): %w", ErrPaymentUnavailable, op, calls, err)
	}
	return fmt.Errorf("payment: %s: %w", op, err)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &retryableError{err: fmt.Errorf("%w: %w", ErrGatewayTimeout, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &retryableError{err: fmt.Errorf("%w: read body: %w", ErrGatewayTimeout, err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return &retryableError{err: fmt.Errorf("%w: http %d", ErrGatewayTimeout, resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: http %d: %s", ErrGatewayRejected, resp.StatusCode, gatewayMessage(raw, resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if !env.Status {
		return fmt.Errorf("%w: %s", ErrGatewayRejected, env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func gatewayMessage(raw []byte, code int) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return http.StatusText(code)
}
