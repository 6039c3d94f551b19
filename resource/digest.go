package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Digest returns the SHA-256 hex digest of r's canonical modern
// serialization. Map keys are sorted by encoding/json so equal content
// always yields the same digest.
func Digest(r Resource) (string, error) {
	fields, err := r.Fields(ModernVersion)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
