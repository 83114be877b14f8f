package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/paywall"
	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/profile"
	"github.com/xraph/paywall/store"
	"github.com/xraph/paywall/store/memory"
	"github.com/xraph/paywall/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := &profile.Profile{ID: id.NewUserID(), Role: profile.RoleStudent}
	if err := s.CreateProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if err := s.Ping(ctx); !errors.Is(err, paywall.ErrStoreClosed) {
		t.Errorf("Ping: got %v, want ErrStoreClosed", err)
	}
	if _, err := s.MergeEntitlement(ctx, p.ID, profile.Grant{AddCourse: id.NewCourseID()}); !errors.Is(err, paywall.ErrStoreClosed) {
		t.Errorf("MergeEntitlement: got %v, want ErrStoreClosed", err)
	}
}

func TestReturnedProfilesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := &profile.Profile{ID: id.NewUserID(), Role: profile.RoleStudent}
	if err := s.CreateProfile(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetProfile(ctx, p.ID)
	got.PurchasedUnitIDs = append(got.PurchasedUnitIDs, id.NewUnitID())

	again, _ := s.GetProfile(ctx, p.ID)
	if len(again.PurchasedUnitIDs) != 0 {
		t.Errorf("stored profile aliased by caller: %v", again.PurchasedUnitIDs)
	}
}
