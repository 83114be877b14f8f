// Package paypal implements provider.Provider against the PayPal Orders v2
// REST API.
package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/provider"
)

// API hosts.
const (
	SandboxURL = "https://api-m.sandbox.paypal.com"
	LiveURL    = "https://api-m.paypal.com"
)

// Order statuses reported by PayPal.
const (
	orderCreated              = "CREATED"
	orderSaved                = "SAVED"
	orderApproved             = "APPROVED"
	orderVoided               = "VOIDED"
	orderCompleted            = "COMPLETED"
	orderPayerActionRequired  = "PAYER_ACTION_REQUIRED"
	capturePending            = "PENDING"
	captureDeclined           = "DECLINED"
	captureFailed             = "FAILED"
	errOrderAlreadyCaptured   = "ORDER_ALREADY_CAPTURED"
	verificationStatusSuccess = "SUCCESS"
)

// tokenSlack renews the access token this long before PayPal expires it.
const tokenSlack = time.Minute

var _ provider.Provider = (*Client)(nil)

// Config holds PayPal credentials and checkout defaults.
type Config struct {
	BaseURL   string        `json:"base_url" mapstructure:"base_url" yaml:"base_url"`
	ClientID  string        `json:"client_id" mapstructure:"client_id" yaml:"client_id"`
	Secret    string        `json:"secret" mapstructure:"secret" yaml:"secret"`
	WebhookID string        `json:"webhook_id" mapstructure:"webhook_id" yaml:"webhook_id"` // required to accept webhooks
	ReturnURL string        `json:"return_url" mapstructure:"return_url" yaml:"return_url"`
	CancelURL string        `json:"cancel_url" mapstructure:"cancel_url" yaml:"cancel_url"`
	BrandName string        `json:"brand_name" mapstructure:"brand_name" yaml:"brand_name"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

// Client talks to PayPal. It is safe for concurrent use.
type Client struct {
	cfg  Config
	http *resty.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// New returns a client for cfg. BaseURL defaults to the sandbox.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout),
		now: time.Now,
	}
}

func (c *Client) Method() payment.Method { return payment.MethodPayPal }

// ──────────────────────────────────────────────────
// Wire types
// ──────────────────────────────────────────────────

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string   `json:"reference_id,omitempty"`
	CustomID    string   `json:"custom_id,omitempty"`
	Description string   `json:"description,omitempty"`
	Amount      *amount  `json:"amount,omitempty"`
	Payments    *capture `json:"payments,omitempty"`
}

type capture struct {
	Captures []captureDetail `json:"captures"`
}

type captureDetail struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	CustomID string `json:"custom_id"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type applicationContext struct {
	BrandName  string `json:"brand_name,omitempty"`
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e *apiError) has(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────
// Provider
// ──────────────────────────────────────────────────

// Initiate creates an order with intent CAPTURE. The transaction id is sent
// as custom_id and as the PayPal-Request-Id idempotency key.
func (c *Client) Initiate(ctx context.Context, req *provider.Request) (*provider.Submission, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	returnURL := firstNonEmpty(req.Target.ReturnURL, c.cfg.ReturnURL)
	cancelURL := firstNonEmpty(req.Target.CancelURL, c.cfg.CancelURL)
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.TransactionID.String(),
			CustomID:    req.TransactionID.String(),
			Description: truncate(req.Description, 127),
			Amount: &amount{
				CurrencyCode: strings.ToUpper(req.Amount.Currency),
				Value:        req.Amount.FormatMajor(),
			},
		}},
		ApplicationContext: applicationContext{
			BrandName:  c.cfg.BrandName,
			ReturnURL:  returnURL,
			CancelURL:  cancelURL,
			UserAction: "PAY_NOW",
		},
	}

	var out order
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("PayPal-Request-Id", req.TransactionID.String()).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v2/checkout/orders")
	if err != nil {
		return nil, fmt.Errorf("paypal: create order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("paypal: create order: %s: %s", resp.Status(), apiErr.Message)
	}

	approval := ""
	for _, l := range out.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approval = l.Href
			break
		}
	}
	return &provider.Submission{
		ProviderRef: out.ID,
		ApprovalURL: approval,
		Charged:     req.Amount,
	}, nil
}

// Status reads the order. An approved order is captured on the spot, which
// is the step that actually moves the money.
func (c *Client) Status(ctx context.Context, ref string) (*provider.Result, error) {
	o, err := c.getOrder(ctx, ref)
	if err != nil {
		return nil, err
	}
	if o.Status == orderApproved {
		if o, err = c.capture(ctx, ref); err != nil {
			return nil, err
		}
	}
	return resultOf(o), nil
}

func (c *Client) getOrder(ctx context.Context, ref string) (*order, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var out order
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("id", ref).
		SetResult(&out).
		Get("/v2/checkout/orders/{id}")
	if err != nil {
		return nil, fmt.Errorf("paypal: get order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, provider.ErrUnknownReference
	}
	if resp.IsError() {
		return nil, fmt.Errorf("paypal: get order: %s", resp.Status())
	}
	return &out, nil
}

func (c *Client) capture(ctx context.Context, ref string) (*order, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var out order
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("PayPal-Request-Id", "capture-"+ref).
		SetPathParam("id", ref).
		SetBody(map[string]any{}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v2/checkout/orders/{id}/capture")
	if err != nil {
		return nil, fmt.Errorf("paypal: capture order: %w", err)
	}
	if resp.StatusCode() == http.StatusUnprocessableEntity && apiErr.has(errOrderAlreadyCaptured) {
		return c.getOrder(ctx, ref)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("paypal: capture order: %s: %s", resp.Status(), apiErr.Message)
	}
	return &out, nil
}

func resultOf(o *order) *provider.Result {
	res := &provider.Result{ProviderRef: o.ID, Status: payment.StatusPending}
	switch o.Status {
	case orderCompleted:
		switch captureStatus(o) {
		case captureDeclined, captureFailed:
			res.Status, res.Reason = payment.StatusFailed, payment.ReasonDeclined
		case capturePending:
		default:
			res.Status = payment.StatusCompleted
		}
	case orderVoided:
		res.Status, res.Reason = payment.StatusFailed, payment.ReasonCanceled
	case orderCreated, orderSaved, orderApproved, orderPayerActionRequired:
	}
	return res
}

func captureStatus(o *order) string {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0].Status
		}
	}
	return ""
}

// ──────────────────────────────────────────────────
// Webhooks
// ──────────────────────────────────────────────────

// Webhook event types the client acts on.
const (
	EventOrderApproved   = "CHECKOUT.ORDER.APPROVED"
	EventOrderVoided     = "CHECKOUT.ORDER.VOIDED"
	EventCaptureComplete = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied   = "PAYMENT.CAPTURE.DENIED"
	EventCaptureDeclined = "PAYMENT.CAPTURE.DECLINED"
)

type webhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type captureResource struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CustomID          string `json:"custom_id"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// ParseWebhook verifies the notification with PayPal and decodes it.
// Approved orders are captured immediately.
func (c *Client) ParseWebhook(ctx context.Context, header http.Header, body []byte) (*provider.Event, error) {
	if c.cfg.WebhookID == "" {
		return nil, fmt.Errorf("paypal: %w", provider.ErrWebhookUnverifiable)
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("paypal: decode webhook: %w", err)
	}
	if err := c.verify(ctx, header, body); err != nil {
		return nil, err
	}

	switch ev.EventType {
	case EventOrderApproved, EventOrderVoided:
		var o order
		if err := json.Unmarshal(ev.Resource, &o); err != nil {
			return nil, fmt.Errorf("paypal: decode order resource: %w", err)
		}
		if ev.EventType == EventOrderApproved {
			captured, err := c.capture(ctx, o.ID)
			if err != nil {
				return nil, err
			}
			o = *captured
		}
		return eventOf(customID(&o), *resultOf(&o))

	case EventCaptureComplete, EventCaptureDenied, EventCaptureDeclined:
		var cr captureResource
		if err := json.Unmarshal(ev.Resource, &cr); err != nil {
			return nil, fmt.Errorf("paypal: decode capture resource: %w", err)
		}
		res := provider.Result{
			ProviderRef: cr.SupplementaryData.RelatedIDs.OrderID,
			Status:      payment.StatusCompleted,
		}
		if ev.EventType != EventCaptureComplete {
			res.Status, res.Reason = payment.StatusFailed, payment.ReasonDeclined
		}
		return eventOf(cr.CustomID, res)
	}
	return nil, provider.ErrIgnoredEvent
}

func eventOf(custom string, res provider.Result) (*provider.Event, error) {
	ev := &provider.Event{Result: res}
	if custom != "" {
		txn, err := id.ParseTransactionID(custom)
		if err != nil {
			return nil, fmt.Errorf("paypal: custom_id: %w", err)
		}
		ev.TransactionID = txn
	}
	if ev.TransactionID.IsNil() && ev.ProviderRef == "" {
		return nil, errors.New("paypal: webhook carries no order reference")
	}
	return ev, nil
}

func customID(o *order) string {
	for _, pu := range o.PurchaseUnits {
		if pu.CustomID != "" {
			return pu.CustomID
		}
		if pu.Payments != nil {
			for _, cd := range pu.Payments.Captures {
				if cd.CustomID != "" {
					return cd.CustomID
				}
			}
		}
	}
	return ""
}

func (c *Client) verify(ctx context.Context, header http.Header, body []byte) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req := map[string]any{
		"auth_algo":         header.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          header.Get("PAYPAL-CERT-URL"),
		"transmission_id":   header.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  header.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": header.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        c.cfg.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(req).
		SetResult(&out).
		Post("/v1/notifications/verify-webhook-signature")
	if err != nil {
		return fmt.Errorf("paypal: verify webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("paypal: verify webhook: %s", resp.Status())
	}
	if out.VerificationStatus != verificationStatusSuccess {
		return fmt.Errorf("paypal: webhook signature %s", strings.ToLower(out.VerificationStatus))
	}
	return nil
}

// ──────────────────────────────────────────────────
// Auth
// ──────────────────────────────────────────────────

// accessToken returns a cached client-credentials token, fetching a new one
// when it is within tokenSlack of expiring.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.Secret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&out).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", fmt.Errorf("paypal: token: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return "", fmt.Errorf("paypal: token: %s", resp.Status())
	}

	c.token = out.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenSlack)
	return c.token, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
