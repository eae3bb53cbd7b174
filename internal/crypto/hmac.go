package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// HMACAuth holds the credentials for venues that sign each request with
// HMAC-SHA256 over its query string.
type HMACAuth struct {
	Key    string // API key, sent as a header
	Secret string // signing secret, never sent
}

// CanonicalQuery joins params as k=v pairs sorted by key. Empty values are
// dropped and nothing is URL-encoded; the venue verifies the signature over
// exactly this text.
func CanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of query.
func (h *HMACAuth) Sign(query string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery returns the canonical query of params with its signature
// appended.
func (h *HMACAuth) SignedQuery(params map[string]string) string {
	q := CanonicalQuery(params)
	sig := h.Sign(q)
	if q == "" {
		return "signature=" + sig
	}
	return q + "&signature=" + sig
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
