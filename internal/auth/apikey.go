package auth

import (
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	// KeyPrefix is the prefix of every issued API key
	KeyPrefix = "sr_key_"
	// keyHexLen is the length of the hex body that follows the prefix
	keyHexLen = 48
)

// LooksLikeKey reports whether key has the issued key shape. Malformed
// keys are rejected before any store lookup.
func LooksLikeKey(key string) bool {
	body, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok || len(body) != keyHexLen {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}

// keyFromRequest reads the key from X-API-Key or a bearer token
func keyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
