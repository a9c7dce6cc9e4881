// Package ctxkeys defines typed context keys to avoid SA1029 lint warnings
// and prevent key collisions across packages.
package ctxkeys

// Key is a typed context key to prevent collisions.
type Key string

// Auth context keys
const (
	KeyUserID   Key = "user_id"
	KeyOwnerID  Key = "owner_id"
	KeyEmail    Key = "email"
	KeyRole     Key = "role"
	KeyJWTToken Key = "jwt_token"
	KeyAuthType Key = "auth_type"
)

// External API context keys
const (
	KeySigningKeyID Key = "signing_key_id"
	KeyVerifiedBody Key = "verified_body"
)

// Request context keys
const (
	KeyRequestID Key = "request_id"
)
