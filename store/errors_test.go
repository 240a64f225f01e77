package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestValidationErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("create tenant: %w", Invalid("slug", "%q is reserved", "admin"))

	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected errors.Is(err, ErrValidation)")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatal("expected *ValidationError")
	}
	if ve.Field != "slug" {
		t.Errorf("field = %q", ve.Field)
	}
	if got := ve.Error(); got != `invalid slug: "admin" is reserved` {
		t.Errorf("message = %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505"}, ErrConflict},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, ErrContended},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, ErrContended},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(fmt.Errorf("query: %w", tt.err))
			if !errors.Is(got, tt.want) {
				t.Fatalf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}

	other := errors.New("boom")
	if Classify(other) != other {
		t.Error("unclassified errors should pass through unchanged")
	}
	if Classify(nil) != nil {
		t.Error("nil should stay nil")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("expected unique violation")
	}
	if IsUniqueViolation(errors.New("23505")) {
		t.Error("plain errors are not unique violations")
	}
	if !IsLockTimeout(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "55P03"})) {
		t.Error("expected lock timeout")
	}
}
