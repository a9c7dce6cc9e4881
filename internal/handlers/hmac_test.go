package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"ledgerworks/pkg/logging"
)

func signPayload(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func expectKeyLookup(mock sqlmock.Sqlmock, keyID, secret string) {
	mock.ExpectQuery("FROM bursar.signing_keys").
		WithArgs(keyID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "key_id", "secret", "owner_id", "is_active", "expires_at", "last_used_at", "created_at"}).
			AddRow("11111111-1111-1111-1111-111111111111", keyID, secret, "owner-1", true, nil, nil, time.Now()))
}

func newHMACRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	Init(mockDB, logging.NewLogger(), nil, nil, nil)

	r := gin.New()
	r.POST("/x", HMACAuthMiddleware(), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.String(200, string(body))
	})
	return r, mock, func() { mockDB.Close() }
}

func TestHMACAuthMiddleware_ValidSignature(t *testing.T) {
	r, mock, closeDB := newHMACRouter(t)
	defer closeDB()

	expectKeyLookup(mock, "bk_test", "topsecret")

	payload := []byte(`{"owner_id":"owner-1","amount":100}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/x", bytes.NewReader(payload))
	req.Header.Set("X-Bursar-Key", "bk_test")
	req.Header.Set("X-Bursar-Signature", signPayload("topsecret", time.Now().Unix(), payload))
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	// Handler must see the original body after verification
	if w.Body.String() != string(payload) {
		t.Fatalf("body not restored: %s", w.Body.String())
	}
}

func TestHMACAuthMiddleware_MissingKeyHeader(t *testing.T) {
	r, _, closeDB := newHMACRouter(t)
	defer closeDB()

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/x", bytes.NewReader([]byte("{}")))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHMACAuthMiddleware_WrongSecret(t *testing.T) {
	r, mock, closeDB := newHMACRouter(t)
	defer closeDB()

	expectKeyLookup(mock, "bk_test", "topsecret")

	payload := []byte(`{}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/x", bytes.NewReader(payload))
	req.Header.Set("X-Bursar-Key", "bk_test")
	req.Header.Set("X-Bursar-Signature", signPayload("wrong-secret", time.Now().Unix(), payload))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHMACAuthMiddleware_TamperedBody(t *testing.T) {
	r, mock, closeDB := newHMACRouter(t)
	defer closeDB()

	expectKeyLookup(mock, "bk_test", "topsecret")

	signed := []byte(`{"amount":100}`)
	sent := []byte(`{"amount":99999}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/x", bytes.NewReader(sent))
	req.Header.Set("X-Bursar-Key", "bk_test")
	req.Header.Set("X-Bursar-Signature", signPayload("topsecret", time.Now().Unix(), signed))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHMACAuthMiddleware_StaleTimestamp(t *testing.T) {
	r, mock, closeDB := newHMACRouter(t)
	defer closeDB()

	expectKeyLookup(mock, "bk_test", "topsecret")

	payload := []byte(`{}`)
	stale := time.Now().Add(-10 * time.Minute).Unix()
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/x", bytes.NewReader(payload))
	req.Header.Set("X-Bursar-Key", "bk_test")
	req.Header.Set("X-Bursar-Signature", signPayload("topsecret", stale, payload))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHMACAuthMiddleware_UnknownKey(t *testing.T) {
	r, mock, closeDB := newHMACRouter(t)
	defer closeDB()

	mock.ExpectQuery("FROM bursar.signing_keys").
		WithArgs("bk_ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "key_id", "secret", "owner_id", "is_active", "expires_at", "last_used_at", "created_at"}))

	payload := []byte(`{}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/x", bytes.NewReader(payload))
	req.Header.Set("X-Bursar-Key", "bk_ghost")
	req.Header.Set("X-Bursar-Signature", signPayload("whatever", time.Now().Unix(), payload))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
