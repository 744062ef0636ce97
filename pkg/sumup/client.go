package sumup

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

	"github.com/shopspring/decimal"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

const (
	defaultBaseURL          = "https://api.sumup.com"
	checkoutsPath           = "/v0.1/checkouts"
	responseReadLimit int64 = 2048
)

// Checkout statuses reported by SumUp.
const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"
	StatusFailed  = "FAILED"
	StatusExpired = "EXPIRED"
)

var (
	errAPIKeyRequired   = errors.New("sumup api key is required")
	errMerchantRequired = errors.New("sumup merchant code is required")
)

// CreateCheckoutRequest describes a hosted checkout.
type CreateCheckoutRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	RedirectURL string
}

// Checkout is the subset of the SumUp checkout resource the service reads.
type Checkout struct {
	ID                string  `json:"id"`
	CheckoutReference string  `json:"checkout_reference"`
	HostedCheckoutURL string  `json:"hosted_checkout_url"`
	Status            string  `json:"status"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
}

type createCheckoutBody struct {
	CheckoutReference string          `json:"checkout_reference"`
	Amount            float64         `json:"amount"`
	Currency          string          `json:"currency"`
	MerchantCode      string          `json:"merchant_code"`
	Description       string          `json:"description,omitempty"`
	ReturnURL         string          `json:"return_url,omitempty"`
	RedirectURL       string          `json:"redirect_url,omitempty"`
	HostedCheckout    hostedCheckouts `json:"hosted_checkout"`
}

type hostedCheckouts struct {
	Enabled bool `json:"enabled"`
}

// Client calls the SumUp checkouts API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	merchantCode string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = strings.TrimRight(trimmed, "/")
		}
	}
}

// NewClient builds a client from config.
func NewClient(cfg config.SumUpConfig, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	merchant := strings.TrimSpace(cfg.MerchantCode)
	if merchant == "" {
		return nil, errMerchantRequired
	}
	client := &Client{
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		baseURL:      defaultBaseURL,
		apiKey:       apiKey,
		merchantCode: merchant,
	}
	WithBaseURL(cfg.BaseURL)(client)
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// CreateCheckout opens a hosted checkout for the given reference.
func (c *Client) CreateCheckout(ctx context.Context, req CreateCheckoutRequest) (*Checkout, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout reference is required")
	}
	if !req.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	body, err := json.Marshal(createCheckoutBody{
		CheckoutReference: req.Reference,
		Amount:            req.Amount.Round(2).InexactFloat64(),
		Currency:          strings.ToUpper(req.Currency),
		MerchantCode:      c.merchantCode,
		Description:       req.Description,
		ReturnURL:         req.ReturnURL,
		RedirectURL:       req.RedirectURL,
		HostedCheckout:    hostedCheckouts{Enabled: true},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal sumup checkout")
	}

	var checkout Checkout
	if err := c.do(ctx, http.MethodPost, c.baseURL+checkoutsPath, bytes.NewReader(body), &checkout); err != nil {
		return nil, err
	}
	if checkout.HostedCheckoutURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "sumup checkout has no hosted url")
	}
	return &checkout, nil
}

// GetCheckout reads the current state of a checkout.
func (c *Client) GetCheckout(ctx context.Context, id string) (*Checkout, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout id is required")
	}
	var checkout Checkout
	if err := c.do(ctx, http.MethodGet, c.baseURL+checkoutsPath+"/"+url.PathEscape(id), nil, &checkout); err != nil {
		return nil, err
	}
	return &checkout, nil
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build sumup request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute sumup request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
		return statusError(method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode sumup response")
	}
	return nil
}

func statusError(method string, status int, msg string) error {
	cause := fmt.Errorf("%s status %d: %s", method, status, msg)
	switch status {
	case http.StatusBadRequest:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, cause, "sumup rejected the request")
	case http.StatusNotFound:
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, cause, "sumup checkout not found")
	case http.StatusConflict:
		return pkgerrors.Wrap(pkgerrors.CodeConflict, cause, "sumup checkout already exists")
	case http.StatusTooManyRequests:
		return pkgerrors.Wrap(pkgerrors.CodeRateLimit, cause, "sumup rate limit exceeded")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "sumup request failed")
	}
}
