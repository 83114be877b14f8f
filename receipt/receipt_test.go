package receipt_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/receipt"
	"github.com/xraph/paywall/types"
)

type directory struct {
	profiles map[string]*profile.Profile
	courses  map[string]*catalog.Course
}

func (d *directory) GetProfile(_ context.Context, userID id.UserID) (*profile.Profile, error) {
	if p, ok := d.profiles[userID.String()]; ok {
		return p, nil
	}
	return nil, paywall.ErrProfileNotFound
}

func (d *directory) GetCourse(_ context.Context, courseID id.CourseID) (*catalog.Course, error) {
	if c, ok := d.courses[courseID.String()]; ok {
		return c, nil
	}
	return nil, paywall.ErrCourseNotFound
}

type fixture struct {
	dir    *directory
	buyer  *profile.Profile
	course *catalog.Course
	rec    *payment.Record
}

func newFixture(email string) *fixture {
	buyer := &profile.Profile{ID: id.NewUserID(), Email: email, DisplayName: "Wanjiru", Role: profile.RoleStudent}
	episode := catalog.Unit{ID: id.NewUnitID(), Kind: catalog.KindVideo, Title: "Episode 2: Channels", Ordinal: 2}
	course := &catalog.Course{ID: id.NewCourseID(), Title: "Concurrency in Go", Units: []catalog.Unit{episode}}
	settled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &payment.Record{
		ID:        id.NewTransactionID(),
		Provider:  payment.MethodPayPal,
		UserID:    buyer.ID,
		CourseID:  course.ID,
		ItemKind:  payment.ItemUnit,
		ItemID:    episode.ID,
		Amount:    types.USD(300),
		Status:    payment.StatusCompleted,
		SettledAt: &settled,
	}
	return &fixture{
		dir: &directory{
			profiles: map[string]*profile.Profile{buyer.ID.String(): buyer},
			courses:  map[string]*catalog.Course{course.ID.String(): course},
		},
		buyer:  buyer,
		course: course,
		rec:    rec,
	}
}

func TestBuild(t *testing.T) {
	f := newFixture("wanjiru@example.com")
	ext := receipt.New(f.dir, receipt.MailerFunc(func(context.Context, *receipt.Message) error { return nil }))

	msg, err := ext.Build(context.Background(), f.rec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if msg.To.Address != "wanjiru@example.com" {
		t.Errorf("To: %v", msg.To)
	}
	if msg.Subject != "Your receipt for Episode 2: Channels" {
		t.Errorf("Subject: %q", msg.Subject)
	}
	for _, want := range []string{"$3.00", "paypal", f.rec.ID.String(), "in Concurrency in Go", "1 Mar 2026"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("text missing %q:\n%s", want, msg.Text)
		}
	}
	if !strings.Contains(msg.HTML, "<strong>Episode 2: Channels</strong>") {
		t.Errorf("html: %s", msg.HTML)
	}
}

func TestBuildCoursePurchase(t *testing.T) {
	f := newFixture("wanjiru@example.com")
	f.rec.ItemKind = payment.ItemCourse
	f.rec.ItemID = f.course.ID

	msg, err := receipt.New(f.dir, nil).Build(context.Background(), f.rec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if msg.Subject != "Your receipt for Concurrency in Go" {
		t.Errorf("Subject: %q", msg.Subject)
	}
	if strings.Contains(msg.Text, " in Concurrency in Go") {
		t.Errorf("course receipt repeats the title:\n%s", msg.Text)
	}
}

func TestNoEmailNoReceipt(t *testing.T) {
	f := newFixture("")
	var sent atomic.Int32
	ext := receipt.New(f.dir, receipt.MailerFunc(func(context.Context, *receipt.Message) error {
		sent.Add(1)
		return nil
	}))

	if err := ext.OnGrantApplied(context.Background(), f.rec, profile.Grant{}); err != nil {
		t.Fatal(err)
	}
	if sent.Load() != 0 {
		t.Error("receipt sent to a profile without email")
	}
}

func TestSendGridDelivery(t *testing.T) {
	f := newFixture("wanjiru@example.com")

	var calls atomic.Int32
	var got struct {
		From struct {
			Email string `json:"email"`
		} `json:"from"`
		Personalizations []struct {
			Subject string `json:"subject"`
			To      []struct {
				Email string `json:"email"`
			} `json:"to"`
		} `json:"personalizations"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" || r.Header.Get("Authorization") != "Bearer sg-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	mailer := receipt.NewSendGridMailer("sg-key", srv.URL, "Masomo", "noreply@masomo.test")
	ext := receipt.New(f.dir, mailer)

	if err := ext.OnGrantApplied(context.Background(), f.rec, profile.Grant{}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls: got %d, want 2 (one retry)", calls.Load())
	}
	if got.From.Email != "noreply@masomo.test" {
		t.Errorf("from: %q", got.From.Email)
	}
	if len(got.Personalizations) != 1 || got.Personalizations[0].Subject != "[Masomo] Your receipt for Episode 2: Channels" ||
		got.Personalizations[0].To[0].Email != "wanjiru@example.com" {
		t.Errorf("personalizations: %+v", got.Personalizations)
	}
}

func TestPermanentRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newFixture("wanjiru@example.com")
	mailer := receipt.NewSendGridMailer("sg-key", srv.URL, "Masomo", "noreply@masomo.test")

	msg, err := receipt.New(f.dir, mailer).Build(context.Background(), f.rec)
	if err != nil {
		t.Fatal(err)
	}
	var se *receipt.StatusError
	if err := mailer.Send(context.Background(), msg); !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("Send: got %v", err)
	}

	calls.Store(0)
	if err := receipt.New(f.dir, mailer).OnGrantApplied(context.Background(), f.rec, profile.Grant{}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}
