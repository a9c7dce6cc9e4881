package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestGetBalance(t *testing.T) {
	svc, mock, closeDB := newTestService(t)
	defer closeDB()

	now := time.Now()
	mock.ExpectQuery("FROM bursar.credit_balances").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner_id", "owner_email", "balance_credits", "version",
			"low_balance_threshold", "auto_topup_enabled", "auto_topup_amount",
			"created_at", "updated_at",
		}).AddRow("bal-1", "owner-1", "o@example.com", int64(400), int64(5), int64(500), true, int64(1000), now, now))
	mock.ExpectQuery("FROM bursar.credit_grants").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(250)))

	summary, err := svc.GetBalance(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if summary.Balance.BalanceCredits != 400 || summary.ActiveGrantCredits != 250 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !summary.LowBalance {
		t.Fatal("expected low balance flag at 400 <= 500")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetBalance_NotFound(t *testing.T) {
	svc, mock, closeDB := newTestService(t)
	defer closeDB()

	mock.ExpectQuery("FROM bursar.credit_balances").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner_id", "owner_email", "balance_credits", "version",
			"low_balance_threshold", "auto_topup_enabled", "auto_topup_amount",
			"created_at", "updated_at",
		}))

	_, err := svc.GetBalance(context.Background(), "ghost")
	if !errors.Is(err, ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestListLedger_Paging(t *testing.T) {
	svc, mock, closeDB := newTestService(t)
	defer closeDB()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "entry_type", "amount_credits", "reason", "idempotency_key",
		"breakdown", "balance_after", "reference_id", "reference_type", "environment", "created_at",
	})
	for i := 0; i < 3; i++ {
		rows.AddRow("e", "owner-1", "deduction", int64(-10), "r", "k", nil, int64(100), nil, nil, "", now)
	}
	mock.ExpectQuery("FROM bursar.ledger_entries").
		WithArgs("owner-1", 3).
		WillReturnRows(rows)

	entries, hasMore, err := svc.ListLedger(context.Background(), "owner-1", 2, "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !hasMore {
		t.Fatal("expected has_more with an extra row fetched")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	svc, mock, closeDB := newTestService(t)
	defer closeDB()

	threshold := int64(500)
	mock.ExpectExec("UPDATE bursar.credit_balances").
		WithArgs(threshold, nil, nil, "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.UpdateSettings(context.Background(), "owner-1", SettingsUpdate{
		LowBalanceThreshold: &threshold,
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Unknown owner
	mock.ExpectExec("UPDATE bursar.credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := svc.UpdateSettings(context.Background(), "ghost", SettingsUpdate{LowBalanceThreshold: &threshold})
	if !errors.Is(err, ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}

	// Validation
	neg := int64(-1)
	if err := svc.UpdateSettings(context.Background(), "owner-1", SettingsUpdate{LowBalanceThreshold: &neg}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := svc.UpdateSettings(context.Background(), "owner-1", SettingsUpdate{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty update, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
