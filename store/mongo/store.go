// Package mongo implements store.Store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/catalog"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/payment"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/store"
)

// Collection name constants.
const (
	colCourses  = "paywall_courses"
	colProfiles = "paywall_profiles"
	colPayments = "paywall_payments"
)

// Index names matched against duplicate-key errors.
const (
	idxInflight   = "paywall_payments_inflight"
	idxSupersedes = "paywall_payments_supersedes"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to uri and uses the named database.
func Open(uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("paywall/mongo: connect: %w", err)
	}
	return New(client, database), nil
}

// New wraps a connected client.
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// Migrate creates indexes for all paywall collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: mongo %s indexes: %w", paywall.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ==================== Catalog Store ====================

func (s *Store) CreateCourse(ctx context.Context, c *catalog.Course) error {
	_, err := s.db.Collection(colCourses).InsertOne(ctx, toCourseModel(c))
	if mongo.IsDuplicateKeyError(err) {
		return paywall.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("paywall/mongo: create course: %w", err)
	}
	return nil
}

func (s *Store) GetCourse(ctx context.Context, courseID id.CourseID) (*catalog.Course, error) {
	var m courseModel
	err := s.db.Collection(colCourses).FindOne(ctx, bson.M{"_id": courseID.String()}).Decode(&m)
	if isNoDocuments(err) {
		return nil, paywall.ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("paywall/mongo: get course: %w", err)
	}
	return fromCourseModel(&m)
}

func (s *Store) UpdateCourse(ctx context.Context, c *catalog.Course) error {
	m := toCourseModel(c)
	res, err := s.db.Collection(colCourses).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("paywall/mongo: update course: %w", err)
	}
	if res.MatchedCount == 0 {
		return paywall.ErrCourseNotFound
	}
	return nil
}

func (s *Store) ListCourses(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Course, error) {
	filter := bson.M{}
	if !opts.InstructorID.IsNil() {
		filter["instructor_id"] = opts.InstructorID.String()
	}
	if opts.Category != "" {
		filter["category"] = opts.Category
	}
	if opts.PublishedOnly {
		filter["published"] = true
	}

	cur, err := s.db.Collection(colCourses).Find(ctx, filter, findOptions(opts.Limit, opts.Offset))
	if err != nil {
		return nil, fmt.Errorf("paywall/mongo: list courses: %w", err)
	}
	var models []courseModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("paywall/mongo: list courses: %w", err)
	}

	result := make([]*catalog.Course, 0, len(models))
	for i := range models {
		c, err := fromCourseModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

// ==================== Profile Store ====================

func (s *Store) CreateProfile(ctx context.Context, p *profile.Profile) error {
	_, err := s.db.Collection(colProfiles).InsertOne(ctx, toProfileModel(p))
	if mongo.IsDuplicateKeyError(err) {
		return paywall.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("paywall/mongo: create profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID id.UserID) (*profile.Profile, error) {
	var m profileModel
	err := s.db.Collection(colProfiles).FindOne(ctx, bson.M{"_id": userID.String()}).Decode(&m)
	if isNoDocuments(err) {
		return nil, paywall.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("paywall/mongo: get profile: %w", err)
	}
	return fromProfileModel(&m)
}

func (s *Store) SetRole(ctx context.Context, userID id.UserID, role profile.Role) error {
	res, err := s.db.Collection(colProfiles).UpdateOne(ctx,
		bson.M{"_id": userID.String()},
		bson.M{"$set": bson.M{"role": string(role), "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("paywall/mongo: set role: %w", err)
	}
	if res.MatchedCount == 0 {
		return paywall.ErrProfileNotFound
	}
	return nil
}

// MergeEntitlement applies g with $addToSet on the single profile document.
// When the grant carries a payment id, the first update only matches while
// that id is absent, so $inc on total_spent happens at most once per payment.
func (s *Store) MergeEntitlement(ctx context.Context, userID id.UserID, g profile.Grant) (bool, error) {
	col := s.db.Collection(colProfiles)
	uid := userID.String()

	add := bson.M{}
	if !g.AddCourse.IsNil() {
		add["enrolled_course_ids"] = g.AddCourse.String()
	}
	var units []string
	for _, u := range g.AddUnits {
		if !u.IsNil() {
			units = append(units, u.String())
		}
	}
	if len(units) > 0 {
		add["purchased_unit_ids"] = bson.M{"$each": units}
	}
	now := time.Now().UTC()

	if !g.PaymentID.IsNil() {
		pid := g.PaymentID.String()
		withPayment := bson.M{"applied_payment_ids": pid}
		for k, v := range add {
			withPayment[k] = v
		}
		res, err := col.UpdateOne(ctx,
			bson.M{"_id": uid, "applied_payment_ids": bson.M{"$ne": pid}},
			bson.M{
				"$addToSet": withPayment,
				"$inc":      bson.M{"total_spent": g.Amount},
				"$set":      bson.M{"updated_at": now},
			},
		)
		if err != nil {
			return false, translateWriteErr(err)
		}
		if res.ModifiedCount > 0 {
			return true, nil
		}
	}

	if len(add) == 0 {
		n, err := col.CountDocuments(ctx, bson.M{"_id": uid})
		if err != nil {
			return false, translateWriteErr(err)
		}
		if n == 0 {
			return false, paywall.ErrProfileNotFound
		}
		return false, nil
	}

	res, err := col.UpdateOne(ctx, bson.M{"_id": uid}, bson.M{"$addToSet": add})
	if err != nil {
		return false, translateWriteErr(err)
	}
	if res.MatchedCount == 0 {
		return false, paywall.ErrProfileNotFound
	}
	if res.ModifiedCount == 0 {
		return false, nil
	}
	if _, err := col.UpdateOne(ctx, bson.M{"_id": uid}, bson.M{"$set": bson.M{"updated_at": now}}); err != nil {
		return true, translateWriteErr(err)
	}
	return true, nil
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, r *payment.Record) error {
	_, err := s.db.Collection(colPayments).InsertOne(ctx, toPaymentModel(r))
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		if strings.Contains(err.Error(), idxInflight) {
			return paywall.ErrPurchaseInProgress
		}
		return paywall.ErrAlreadyExists
	}
	return fmt.Errorf("paywall/mongo: create payment: %w", err)
}

func (s *Store) GetPayment(ctx context.Context, txnID id.TransactionID) (*payment.Record, error) {
	return s.findPayment(ctx, bson.M{"_id": txnID.String()})
}

func (s *Store) GetPaymentByProviderRef(ctx context.Context, provider payment.Method, ref string) (*payment.Record, error) {
	return s.findPayment(ctx, bson.M{"provider": string(provider), "provider_ref": ref, "supersedes": ""})
}

func (s *Store) GetPendingPayment(ctx context.Context, userID id.UserID, itemID id.ID) (*payment.Record, error) {
	return s.findPayment(ctx, bson.M{
		"user_id": userID.String(),
		"item_id": itemID.String(),
		"status":  string(payment.StatusPending),
	})
}

func (s *Store) findPayment(ctx context.Context, filter bson.M) (*payment.Record, error) {
	var m paymentModel
	err := s.db.Collection(colPayments).FindOne(ctx, filter).Decode(&m)
	if isNoDocuments(err) {
		return nil, paywall.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("paywall/mongo: get payment: %w", err)
	}
	return fromPaymentModel(&m)
}

func (s *Store) ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Record, error) {
	filter := bson.M{}
	if !opts.UserID.IsNil() {
		filter["user_id"] = opts.UserID.String()
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Provider != "" {
		filter["provider"] = string(opts.Provider)
	}
	if !opts.CourseID.IsNil() {
		filter["course_id"] = opts.CourseID.String()
	}
	if !opts.ItemID.IsNil() {
		filter["item_id"] = opts.ItemID.String()
	}
	if !opts.Supersedes.IsNil() {
		filter["supersedes"] = opts.Supersedes.String()
	}
	created := bson.M{}
	if !opts.CreatedBefore.IsZero() {
		created["$lt"] = opts.CreatedBefore
	}
	if !opts.CreatedAfter.IsZero() {
		created["$gte"] = opts.CreatedAfter
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	cur, err := s.db.Collection(colPayments).Find(ctx, filter, findOptions(opts.Limit, opts.Offset))
	if err != nil {
		return nil, fmt.Errorf("paywall/mongo: list payments: %w", err)
	}
	var models []paymentModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("paywall/mongo: list payments: %w", err)
	}

	result := make([]*payment.Record, 0, len(models))
	for i := range models {
		r, err := fromPaymentModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *Store) MarkPaymentSubmitted(ctx context.Context, txnID id.TransactionID, ref string, at time.Time) error {
	return s.updatePending(ctx, txnID, bson.M{
		"provider_ref": ref,
		"submitted_at": at,
		"updated_at":   at,
	})
}

func (s *Store) FinalizePayment(ctx context.Context, txnID id.TransactionID, status payment.Status, reason string, at time.Time) error {
	return s.updatePending(ctx, txnID, bson.M{
		"status":         string(status),
		"failure_reason": reason,
		"settled_at":     at,
		"updated_at":     at,
	})
}

func (s *Store) DeletePendingPayment(ctx context.Context, txnID id.TransactionID) error {
	res, err := s.db.Collection(colPayments).DeleteOne(ctx, bson.M{
		"_id":    txnID.String(),
		"status": string(payment.StatusPending),
	})
	if err != nil {
		return fmt.Errorf("paywall/mongo: delete payment: %w", err)
	}
	return s.requirePending(ctx, res.DeletedCount, txnID)
}

func (s *Store) updatePending(ctx context.Context, txnID id.TransactionID, set bson.M) error {
	res, err := s.db.Collection(colPayments).UpdateOne(ctx,
		bson.M{"_id": txnID.String(), "status": string(payment.StatusPending)},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("paywall/mongo: update payment: %w", err)
	}
	return s.requirePending(ctx, res.MatchedCount, txnID)
}

func (s *Store) requirePending(ctx context.Context, matched int64, txnID id.TransactionID) error {
	if matched > 0 {
		return nil
	}
	if _, err := s.GetPayment(ctx, txnID); err != nil {
		return err
	}
	return paywall.ErrPaymentFinalized
}

// ==================== Helpers ====================

func findOptions(limit, offset int) *options.FindOptionsBuilder {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	return opts
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func translateWriteErr(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %w", paywall.ErrEntitlementWriteConflict, err)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %w", paywall.ErrStoreNotReady, err)
	}
	return fmt.Errorf("paywall/mongo: merge entitlement: %w", err)
}

// migrationIndexes returns the index definitions for all paywall collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colCourses: {
			{Keys: bson.D{{Key: "instructor_id", Value: 1}}},
			{Keys: bson.D{{Key: "category", Value: 1}, {Key: "published", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		colProfiles: {
			{Keys: bson.D{{Key: "email", Value: 1}}},
		},
		colPayments: {
			{
				Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "item_id", Value: 1}},
				Options: options.Index().
					SetName(idxInflight).
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"status": string(payment.StatusPending)}),
			},
			{
				Keys: bson.D{{Key: "supersedes", Value: 1}},
				Options: options.Index().
					SetName(idxSupersedes).
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"supersedes": bson.M{"$gt": ""}}),
			},
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_ref", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
}
