package lti_test

import (
	"context"
	"errors"
	"testing"

	"github.com/emeritus-tech/search-replace-text/internal/db"
	"github.com/emeritus-tech/search-replace-text/internal/lti"
)

func newTestRegistry(t *testing.T) *lti.SQLRegistry {
	t.Helper()
	dbh, err := db.Open(context.Background(), db.DriverSQLite,
		"file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = dbh.Close() })
	return &lti.SQLRegistry{DB: dbh}
}

func TestSQLRegistryCRUD(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	if _, err := reg.GetRegistration(ctx, "canvas-1"); !errors.Is(err, lti.ErrRegistrationNotFound) {
		t.Fatalf("empty table: want ErrRegistrationNotFound, got %v", err)
	}

	if err := reg.Upsert(ctx, testRegistration()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := reg.GetRegistration(ctx, "canvas-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != testRegistration() {
		t.Fatalf("round trip mangled: %+v", got)
	}

	// update in place
	updated := testRegistration()
	updated.JWKSURI = "https://canvas.example.edu/rotated/jwks"
	if err := reg.Upsert(ctx, updated); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = reg.GetRegistration(ctx, "canvas-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.JWKSURI != updated.JWKSURI {
		t.Fatalf("update not applied: %+v", got)
	}

	regs, err := reg.List(ctx)
	if err != nil || len(regs) != 1 {
		t.Fatalf("list: %v, %d rows", err, len(regs))
	}

	if err := reg.Delete(ctx, "canvas-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reg.GetRegistration(ctx, "canvas-1"); !errors.Is(err, lti.ErrRegistrationNotFound) {
		t.Fatalf("after delete: want ErrRegistrationNotFound, got %v", err)
	}
}

func TestSQLRegistryRejectsInvalid(t *testing.T) {
	reg := newTestRegistry(t)
	bad := testRegistration()
	bad.ClientID = ""
	if err := reg.Upsert(context.Background(), bad); err == nil {
		t.Fatalf("invalid registration accepted")
	}
}
