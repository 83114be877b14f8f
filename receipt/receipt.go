// Package receipt emails a purchase receipt once a payment's entitlement
// has landed on the buyer's profile.
package receipt

import (
	"bytes"
	"context"
	"errors"
	htmltemplate "html/template"
	"log/slog"
	"net/mail"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/plugin"
	"github.com/xraph/paywall/profile"
)

var (
	_ plugin.Plugin         = (*Extension)(nil)
	_ plugin.OnGrantApplied = (*Extension)(nil)
)

// Directory resolves the buyer and the purchased item. store.Store
// satisfies it.
type Directory interface {
	GetProfile(ctx context.Context, userID id.UserID) (*profile.Profile, error)
	GetCourse(ctx context.Context, courseID id.CourseID) (*catalog.Course, error)
}

// Data is what the templates render.
type Data struct {
	Name          string
	CourseTitle   string
	ItemTitle     string
	ItemKind      string
	Amount        string
	Method        string
	TransactionID string
	PaidAt        time.Time
}

const defaultSubject = `Your receipt for {{.ItemTitle}}`

const defaultText = `Hi {{.Name}},

Thanks for your purchase. You now have access to {{.ItemTitle}}{{if ne .ItemTitle .CourseTitle}} in {{.CourseTitle}}{{end}}.

Amount:      {{.Amount}}
Paid with:   {{.Method}}
Reference:   {{.TransactionID}}
Date:        {{.PaidAt.Format "2 Jan 2006 15:04 MST"}}
`

const defaultHTML = `<p>Hi {{.Name}},</p>
<p>Thanks for your purchase. You now have access to <strong>{{.ItemTitle}}</strong>{{if ne .ItemTitle .CourseTitle}} in {{.CourseTitle}}{{end}}.</p>
<table>
<tr><td>Amount</td><td>{{.Amount}}</td></tr>
<tr><td>Paid with</td><td>{{.Method}}</td></tr>
<tr><td>Reference</td><td>{{.TransactionID}}</td></tr>
<tr><td>Date</td><td>{{.PaidAt.Format "2 Jan 2006 15:04 MST"}}</td></tr>
</table>
`

// Extension sends receipts. Delivery failures are logged and never fail
// the purchase.
type Extension struct {
	dir      Directory
	mailer   Mailer
	logger   *slog.Logger
	attempts uint
	now      func() time.Time

	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger for the extension.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) { e.logger = logger }
}

// WithAttempts bounds delivery attempts per receipt.
func WithAttempts(n uint) Option {
	return func(e *Extension) { e.attempts = n }
}

// WithTemplates replaces the default subject, text and HTML templates.
// Empty strings keep the default for that part.
func WithTemplates(subject, text, html string) Option {
	return func(e *Extension) {
		if subject != "" {
			e.subject = template.Must(template.New("subject").Parse(subject))
		}
		if text != "" {
			e.text = template.Must(template.New("text").Parse(text))
		}
		if html != "" {
			e.html = htmltemplate.Must(htmltemplate.New("html").Parse(html))
		}
	}
}

// New returns a receipt extension.
func New(dir Directory, mailer Mailer, opts ...Option) *Extension {
	e := &Extension{
		dir:      dir,
		mailer:   mailer,
		logger:   slog.Default(),
		attempts: 3,
		now:      time.Now,
		subject:  template.Must(template.New("subject").Parse(defaultSubject)),
		text:     template.Must(template.New("text").Parse(defaultText)),
		html:     htmltemplate.Must(htmltemplate.New("html").Parse(defaultHTML)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "receipt" }

// OnGrantApplied implements plugin.OnGrantApplied.
func (e *Extension) OnGrantApplied(ctx context.Context, r *payment.Record, _ profile.Grant) error {
	msg, err := e.Build(ctx, r)
	if err != nil {
		e.logger.Warn("receipt: build failed", "payment_id", r.ID.String(), "error", err)
		return nil
	}
	if msg == nil {
		return nil
	}

	if err := e.deliver(ctx, msg); err != nil {
		e.logger.Error("receipt: delivery failed",
			"payment_id", r.ID.String(),
			"to", msg.To.Address,
			"error", err,
		)
		return nil
	}
	e.logger.Info("receipt sent", "payment_id", r.ID.String(), "to", msg.To.Address)
	return nil
}

// Build renders the receipt for r. It returns nil when the buyer has no
// email address on file.
func (e *Extension) Build(ctx context.Context, r *payment.Record) (*Message, error) {
	buyer, err := e.dir.GetProfile(ctx, r.UserID)
	if err != nil {
		return nil, err
	}
	if buyer.Email == "" {
		return nil, nil
	}
	course, err := e.dir.GetCourse(ctx, r.CourseID)
	if err != nil {
		return nil, err
	}

	data := Data{
		Name:          buyer.DisplayName,
		CourseTitle:   course.Title,
		ItemTitle:     course.Title,
		ItemKind:      string(r.ItemKind),
		Amount:        r.Amount.String(),
		Method:        string(r.Provider),
		TransactionID: r.ID.String(),
		PaidAt:        e.now().UTC(),
	}
	if r.SettledAt != nil {
		data.PaidAt = r.SettledAt.UTC()
	}
	if data.Name == "" {
		data.Name = buyer.Email
	}
	if r.ItemKind == payment.ItemUnit {
		if u := course.FindUnit(r.ItemID); u != nil {
			data.ItemTitle = u.Title
		}
	}

	msg := &Message{To: mail.Address{Name: buyer.DisplayName, Address: buyer.Email}}
	var buf bytes.Buffer
	if err := e.subject.Execute(&buf, data); err != nil {
		return nil, err
	}
	msg.Subject = buf.String()
	buf.Reset()
	if err := e.text.Execute(&buf, data); err != nil {
		return nil, err
	}
	msg.Text = buf.String()
	buf.Reset()
	if err := e.html.Execute(&buf, data); err != nil {
		return nil, err
	}
	msg.HTML = buf.String()
	return msg, nil
}

func (e *Extension) deliver(ctx context.Context, msg *Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.mailer.Send(ctx, msg)
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.attempts),
	)
	return err
}
