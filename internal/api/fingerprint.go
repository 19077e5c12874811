package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// ownerFingerprint derives the anonymous owner identity of a request from
// its network origin, user agent and language preference. The same browser
// behind the same proxy chain maps to the same owner across requests.
func ownerFingerprint(r *http.Request) string {
	seed := clientIP(r) + "|" + r.Header.Get("User-Agent") + "|" + r.Header.Get("Accept-Language")
	sum := sha256.Sum256([]byte(seed))
	return "anon_" + hex.EncodeToString(sum[:])[:16]
}

// clientIP resolves the originating address from proxy headers: the first
// X-Forwarded-For entry, then X-Real-IP. Requests without either map to
// "unknown" rather than RemoteAddr, so direct connections share one owner
// bucket instead of splitting on ephemeral ports.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return "unknown"
}
