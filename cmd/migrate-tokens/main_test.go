package main

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/onnwee/stream-herald/crypto"
	"github.com/onnwee/stream-herald/db"
)

type sealedArg struct{}

func (sealedArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && crypto.Sealed(s)
}

func TestMigrate(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer mockDB.Close()
	c, err := crypto.NewCipher("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	if err != nil {
		t.Fatal(err)
	}
	store := db.NewStore(mockDB, db.WithCipher(c))
	exp := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"provider", "access_token", "refresh_token", "expires_at", "scope"}

	// dry run touches nothing
	mock.ExpectQuery(`FROM oauth_tokens`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("youtube", "plain", "plain-rt", exp, ""))
	n, err := migrate(context.Background(), store, true)
	if err != nil || n != 1 {
		t.Fatalf("dry run = %d, %v", n, err)
	}

	mock.ExpectQuery(`FROM oauth_tokens`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("youtube", "plain", "plain-rt", exp, ""))
	mock.ExpectExec(`INSERT INTO oauth_tokens`).
		WithArgs("youtube", sealedArg{}, sealedArg{}, exp, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err = migrate(context.Background(), store, false)
	if err != nil || n != 1 {
		t.Fatalf("migrate = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

type failingResealer struct{}

func (failingResealer) ResealOAuthTokens(context.Context, bool) ([]string, error) {
	return nil, crypto.ErrNoKey
}

func TestMigrateError(t *testing.T) {
	if _, err := migrate(context.Background(), failingResealer{}, false); !errors.Is(err, crypto.ErrNoKey) {
		t.Fatalf("err = %v", err)
	}
}
