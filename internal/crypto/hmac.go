package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HMACAuth holds the API key pair for venues that authenticate a request by
// signing its query string with HMAC-SHA256.
type HMACAuth struct {
	Key    string // API key, sent as a header
	Secret string // API secret, never sent
}

// Sign returns the hex-encoded HMAC-SHA256 of payload under the secret.
func (h *HMACAuth) Sign(payload string) string {
	return hmacSHA256Hex([]byte(h.Secret), payload)
}

// SignedQuery adds timestamp and recvWindow to params, encodes them and
// appends the signature. The returned string is the exact query to send.
func (h *HMACAuth) SignedQuery(params url.Values, ts time.Time, recvWindow time.Duration) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(ts.UnixMilli(), 10))
	if recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))
	}
	query := params.Encode()
	return query + "&signature=" + h.Sign(query)
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
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
