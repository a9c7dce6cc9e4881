package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ledgerworks/pkg/api/bursar"
	"ledgerworks/pkg/auth"
	"ledgerworks/pkg/ctxkeys"
	"ledgerworks/pkg/logging"
)

const (
	signatureHeader = "X-Bursar-Signature"
	keyIDHeader     = "X-Bursar-Key"

	// Signatures older than this are rejected regardless of validity
	signatureTolerance = 5 * time.Minute
)

// HMACAuthMiddleware authenticates external mutation requests. The client
// sends its key ID and a timestamped HMAC-SHA256 of the raw body; the body
// is read here and restored so handlers can bind it after verification.
func HMACAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.GetHeader(keyIDHeader)
		if keyID == "" {
			unauthorized(c, "missing key id")
			return
		}

		key, err := auth.LookupSigningKey(db, keyID)
		if err != nil {
			if err != auth.ErrUnknownSigningKey && err != auth.ErrExpiredSigningKey {
				logger.WithError(err).Error("Signing key lookup failed")
			}
			unauthorized(c, "unknown or expired key")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			unauthorized(c, "unreadable body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !verifySignature(body, c.GetHeader(signatureHeader), key.Secret) {
			logger.WithFields(logging.Fields{
				"key_id": keyID,
				"path":   c.FullPath(),
			}).Warn("Rejected request with invalid signature")
			unauthorized(c, "invalid signature")
			return
		}

		c.Set(string(ctxkeys.KeySigningKeyID), key.KeyID)
		if key.OwnerID != "" {
			c.Set(string(ctxkeys.KeyOwnerID), key.OwnerID)
		}

		go func() {
			_ = auth.TouchSigningKey(db, keyID)
		}()

		c.Next()
	}
}

// verifySignature checks a t=<unix>,v1=<hex> header against the payload
func verifySignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, element := range strings.Split(signature, ",") {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix()-timestampInt > int64(signatureTolerance.Seconds()) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, provided := range signatures {
		if hmac.Equal([]byte(expected), []byte(provided)) {
			return true
		}
	}
	return false
}

func unauthorized(c *gin.Context, reason string) {
	c.JSON(http.StatusUnauthorized, bursar.ErrorResponse{Error: reason, Code: bursar.CodeUnauthorized})
	c.Abort()
}
