// Package paywall provides an entitlement and paywall engine for learning
// platforms, together with the payment orchestration that feeds it.
//
// Paywall is designed as a library, not a service. Import it directly into
// your Go application, or run the bundled paywalld server. It provides:
//
//   - Pure, concurrent access decisions for PDF pages and video episodes
//   - A free preview budget: PDF pages 1 to 10 and the first video episode
//   - Per-unit and whole-course purchases through PayPal and InterSend
//   - Exactly-once entitlement grants keyed by a durable transaction id
//   - Stale-intent expiry, late settlement and reconciliation
//   - Pluggable audit, metrics and receipt hooks
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/paywall"
//	    "github.com/xraph/paywall/provider/paypal"
//	    "github.com/xraph/paywall/store/postgres"
//	)
//
//	store, err := postgres.New(dsn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pw := paywall.New(store,
//	    paywall.WithProvider(paypal.New(paypal.Config{ClientID: id, Secret: secret, WebhookID: webhookID})),
//	)
//	if err := pw.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer pw.Stop()
//
// # Access decisions
//
// Check evaluates a viewer against a unit at a cursor (the page number for
// PDFs; ignored for videos):
//
//	d, err := pw.Check(ctx, userID, courseID, unitID, page)
//	switch {
//	case d.Allowed:
//	    // render
//	case d.Reason == entitlement.ReasonRequiresEnrollment:
//	    // offer enrollment
//	case d.Reason == entitlement.ReasonRequiresPurchase:
//	    // offer checkout for d.UnitID at d.Price
//	}
//
// Anonymous viewers (id.Nil) are always denied with requires_enrollment.
//
// # Purchases
//
// Purchase reserves a pending payment, submits it to the provider and
// returns immediately with the transaction id and, for PayPal, the approval
// URL. The payment is resolved later by HandleWebhook, HandleOutcome,
// Refresh or Await. A completed payment merges its grant into the buyer's
// profile exactly once, however many times it is reported.
//
// # TypeID
//
// All entities use TypeID identifiers:
//
//	usr_01h2xcejqtf2nbrexx3vqjhp41   // User
//	crs_01h2xcejqtf2nbrexx3vqjhp41   // Course
//	unit_01h455vb4pex5vsknk084sn02q  // Content unit
//	txn_01h455vb4pex5vsknk084sn02q   // Payment transaction
//
// All monetary amounts use integer minor units.
package paywall
