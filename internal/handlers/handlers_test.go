package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"ledgerworks/internal/ledger"
	"ledgerworks/pkg/api/bursar"
	"ledgerworks/pkg/logging"
)

func newHandlerEnv(t *testing.T) (sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	log := logging.NewLogger()
	svc := ledger.NewService(mockDB, log, ledger.WithRetry(1, time.Millisecond))
	sw := ledger.NewSweeper(mockDB, log, "test", nil)
	Init(mockDB, log, svc, sw, nil)
	return mock, func() { mockDB.Close() }
}

func postJSON(r *gin.Engine, path string, payload interface{}) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestDeductCredits(t *testing.T) {
	mock, closeDB := newHandlerEnv(t)
	defer closeDB()

	r := gin.New()
	r.POST("/credits/deduct", DeductCredits)

	mock.ExpectQuery("SELECT id, balance_after").
		WithArgs("deduct-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance_after"}))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, owner_id, balance_credits, version, low_balance_threshold").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "balance_credits", "version", "low_balance_threshold"}).
			AddRow("bal-1", "owner-1", int64(1000), int64(1), int64(0)))
	mock.ExpectQuery("SELECT id, total_credits, used_credits").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total_credits", "used_credits"}))
	mock.ExpectExec("UPDATE bursar.credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.ledger_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := postJSON(r, "/credits/deduct", bursar.DeductRequest{
		OwnerID:        "owner-1",
		Amount:         250,
		Reason:         "image generation",
		IdempotencyKey: "deduct-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp bursar.MutationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !resp.Success || resp.NewBalance != 750 || resp.Idempotent {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeductCredits_InsufficientMapsTo402(t *testing.T) {
	mock, closeDB := newHandlerEnv(t)
	defer closeDB()

	r := gin.New()
	r.POST("/credits/deduct", DeductCredits)

	mock.ExpectQuery("SELECT id, balance_after").
		WithArgs("deduct-2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance_after"}))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, owner_id, balance_credits, version, low_balance_threshold").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "balance_credits", "version", "low_balance_threshold"}).
			AddRow("bal-1", "owner-1", int64(100), int64(1), int64(0)))
	mock.ExpectRollback()

	w := postJSON(r, "/credits/deduct", bursar.DeductRequest{
		OwnerID:        "owner-1",
		Amount:         500,
		Reason:         "too big",
		IdempotencyKey: "deduct-2",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}

	var resp bursar.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Code != bursar.CodeInsufficientCredits {
		t.Fatalf("expected INSUFFICIENT_CREDITS, got %s", resp.Code)
	}
}

func TestDeductCredits_RejectsNonPositiveAmount(t *testing.T) {
	_, closeDB := newHandlerEnv(t)
	defer closeDB()

	r := gin.New()
	r.POST("/credits/deduct", DeductCredits)

	w := postJSON(r, "/credits/deduct", map[string]interface{}{
		"owner_id":        "owner-1",
		"amount":          -5,
		"reason":          "negative",
		"idempotency_key": "k",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetBalance_Handler(t *testing.T) {
	mock, closeDB := newHandlerEnv(t)
	defer closeDB()

	r := gin.New()
	r.GET("/credits/balance/:owner_id", GetBalance)

	now := time.Now()
	mock.ExpectQuery("FROM bursar.credit_balances").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner_id", "owner_email", "balance_credits", "version",
			"low_balance_threshold", "auto_topup_enabled", "auto_topup_amount",
			"created_at", "updated_at",
		}).AddRow("bal-1", "owner-1", nil, int64(300), int64(4), int64(500), false, int64(0), now, now))
	mock.ExpectQuery("FROM bursar.credit_grants").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(150)))

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/credits/balance/owner-1", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp bursar.BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.BalanceCredits != 300 || !resp.LowBalance || resp.ActiveGrantCredits != 150 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSweepGrantsEndpoint(t *testing.T) {
	mock, closeDB := newHandlerEnv(t)
	defer closeDB()

	r := gin.New()
	r.POST("/jobs/sweep-grants", SweepGrants)

	mock.ExpectQuery("FROM bursar.credit_grants").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "remainder"}))

	w := postJSON(r, "/jobs/sweep-grants", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp bursar.SweepResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.ExpiredCount != 0 {
		t.Fatalf("expected 0 expired, got %d", resp.ExpiredCount)
	}
}

func TestUpdateSettings_Handler(t *testing.T) {
	mock, closeDB := newHandlerEnv(t)
	defer closeDB()

	r := gin.New()
	r.PUT("/credits/settings/:owner_id", UpdateSettings)

	mock.ExpectExec("UPDATE bursar.credit_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))

	threshold := int64(100)
	body, _ := json.Marshal(bursar.SettingsRequest{LowBalanceThreshold: &threshold})
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "PUT", "/credits/settings/owner-1", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
