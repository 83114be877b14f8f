// Package intersend implements provider.Provider against the InterSend
// mobile money API used for Kenyan checkouts. Amounts are charged in KES.
package intersend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/provider"
	"github.com/xraph/paywall/types"
)

// DefaultRate is the KES charged per USD when no rate is configured.
const DefaultRate = 120

// SignatureHeader carries the hex HMAC-SHA256 of a callback body.
const SignatureHeader = "X-InterSend-Signature"

// Payment statuses reported by InterSend.
const (
	statusPending   = "PENDING"
	statusSuccess   = "SUCCESS"
	statusCompleted = "COMPLETED"
	statusFailed    = "FAILED"
	statusCancelled = "CANCELLED"
	statusExpired   = "EXPIRED"
)

var _ provider.Provider = (*Client)(nil)

// Config holds InterSend credentials.
type Config struct {
	BaseURL        string        `json:"base_url" mapstructure:"base_url" yaml:"base_url"`
	APIKey         string        `json:"api_key" mapstructure:"api_key" yaml:"api_key"`
	MerchantID     string        `json:"merchant_id" mapstructure:"merchant_id" yaml:"merchant_id"`
	CallbackURL    string        `json:"callback_url" mapstructure:"callback_url" yaml:"callback_url"`
	CallbackSecret string        `json:"callback_secret" mapstructure:"callback_secret" yaml:"callback_secret"` // required to accept callbacks
	Rate           int64         `json:"rate" mapstructure:"rate" yaml:"rate"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

// Client talks to InterSend. It is safe for concurrent use.
type Client struct {
	cfg  Config
	http *resty.Client
}

// New returns a client for cfg.
func New(cfg Config) *Client {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetAuthToken(cfg.APIKey).
			SetHeader("Accept", "application/json").
			SetTimeout(cfg.Timeout),
	}
}

func (c *Client) Method() payment.Method { return payment.MethodInterSend }

// Charge converts a USD price into the whole-shilling amount the customer
// is asked to pay. Non-USD amounts are passed through.
func (c *Client) Charge(m types.Money) types.Money {
	if m.Currency == "kes" {
		return m.RoundMajor()
	}
	if m.Currency != "usd" {
		return m
	}
	return m.Convert("kes", c.cfg.Rate).RoundMajor()
}

type createPaymentRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PhoneNumber string `json:"phoneNumber"`
	Description string `json:"description"`
	MerchantID  string `json:"merchantId"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type paymentResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	ResultDesc    string `json:"resultDesc"`
}

// Initiate sends an STK push to the customer's phone. Our transaction id
// travels as the payment reference.
func (c *Client) Initiate(ctx context.Context, req *provider.Request) (*provider.Submission, error) {
	if req.Target.Phone == "" {
		return nil, errors.New("intersend: phone number required")
	}
	charged := c.Charge(req.Amount)

	var out paymentResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(createPaymentRequest{
			Amount:      charged.FormatMajor(),
			Currency:    strings.ToUpper(charged.Currency),
			PhoneNumber: req.Target.Phone,
			Description: req.Description,
			MerchantID:  c.cfg.MerchantID,
			Reference:   req.TransactionID.String(),
			CallbackURL: c.cfg.CallbackURL,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/create-payment")
	if err != nil {
		return nil, fmt.Errorf("intersend: create payment: %w", err)
	}
	if resp.IsError() || !out.Success {
		return nil, fmt.Errorf("intersend: create payment: %s: %s", resp.Status(), out.Message)
	}

	ref := out.TransactionID
	if ref == "" {
		ref = req.TransactionID.String()
	}
	return &provider.Submission{ProviderRef: ref, Charged: charged}, nil
}

// Status polls the payment.
func (c *Client) Status(ctx context.Context, ref string) (*provider.Result, error) {
	var out paymentResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("transactionId", ref).
		SetResult(&out).
		Get("/payment-status/{transactionId}")
	if err != nil {
		return nil, fmt.Errorf("intersend: payment status: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, provider.ErrUnknownReference
	}
	if resp.IsError() {
		return nil, fmt.Errorf("intersend: payment status: %s", resp.Status())
	}
	res := resultOf(out.Status)
	res.ProviderRef = firstNonEmpty(out.TransactionID, ref)
	return &res, nil
}

// ParseWebhook authenticates and decodes a payment callback.
func (c *Client) ParseWebhook(_ context.Context, header http.Header, body []byte) (*provider.Event, error) {
	if c.cfg.CallbackSecret == "" {
		return nil, fmt.Errorf("intersend: %w", provider.ErrWebhookUnverifiable)
	}
	if !c.validSignature(header.Get(SignatureHeader), body) {
		return nil, errors.New("intersend: invalid callback signature")
	}

	var cb paymentResponse
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("intersend: decode callback: %w", err)
	}
	if strings.EqualFold(cb.Status, statusPending) {
		return nil, provider.ErrIgnoredEvent
	}

	ev := &provider.Event{Result: resultOf(cb.Status)}
	ev.ProviderRef = cb.TransactionID
	if cb.Reference != "" {
		txn, err := id.ParseTransactionID(cb.Reference)
		if err != nil {
			return nil, fmt.Errorf("intersend: reference: %w", err)
		}
		ev.TransactionID = txn
	}
	if ev.TransactionID.IsNil() && ev.ProviderRef == "" {
		return nil, errors.New("intersend: callback carries no reference")
	}
	return ev, nil
}

// Sign returns the signature InterSend sends for body. Exposed for tests
// and local callback replays.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) validSignature(got string, body []byte) bool {
	want := Sign(c.cfg.CallbackSecret, body)
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(want))
}

func resultOf(status string) provider.Result {
	switch strings.ToUpper(status) {
	case statusSuccess, statusCompleted:
		return provider.Result{Status: payment.StatusCompleted}
	case statusCancelled:
		return provider.Result{Status: payment.StatusFailed, Reason: payment.ReasonCanceled}
	case statusExpired:
		return provider.Result{Status: payment.StatusFailed, Reason: payment.ReasonTimeout}
	case statusFailed:
		return provider.Result{Status: payment.StatusFailed, Reason: payment.ReasonDeclined}
	default:
		return provider.Result{Status: payment.StatusPending}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
