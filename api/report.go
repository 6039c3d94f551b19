package api

// VersionResponse models GET /item/api_version/.
type VersionResponse struct {
	// Version is the server REST API version. Servers below 1.0 expect legacy
	// pickle-encoded payloads.
	Version float64 `json:"version"`
	// ACLs reports whether per-item access control is enabled on the server.
	// The value may change while the server runs.
	ACLs bool `json:"acls,omitempty"`
	// Product is an informational product name.
	Product string `json:"product,omitempty"`
	// Build is an informational build identifier.
	Build string `json:"build,omitempty"`
}

// ErrorResponse is the JSON error envelope returned by the report server.
// Servers may instead return a field -> messages object; clients keep the raw
// body for those.
type ErrorResponse struct {
	// ErrorCode is a short machine readable code (for example invalid_pk).
	ErrorCode string `json:"error,omitempty"`
	// Detail is a human readable description.
	Detail string `json:"detail,omitempty"`
	// Field names the offending wire field, when known.
	Field string `json:"field,omitempty"`
}

// MagicTokenRequest models POST /api/auth/magic-token/.
type MagicTokenRequest struct {
	Username         string `json:"username,omitempty"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
}

// MagicTokenResponse carries a one-time login token.
type MagicTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at_unix,omitempty"`
}

// MagicTokenVerifyRequest models POST /api/auth/magic-token/verify/.
type MagicTokenVerifyRequest struct {
	Token string `json:"token"`
}

// MagicTokenVerifyResponse reports whether a token is valid and for whom.
type MagicTokenVerifyResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username,omitempty"`
}
