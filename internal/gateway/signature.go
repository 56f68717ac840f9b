package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is a parsed `t=<unix>,v1=<hex>` style header. Mercado Pago
// spells the timestamp `ts`; both are accepted.
type SignatureHeader struct {
	Timestamp  string
	Signatures []string
}

func ParseSignatureHeader(header string) SignatureHeader {
	var out SignatureHeader
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "t", "ts":
			out.Timestamp = value
		case "v1":
			if value != "" {
				out.Signatures = append(out.Signatures, value)
			}
		}
	}
	return out
}

// Valid reports whether the header carries the pieces a check needs.
func (h SignatureHeader) Valid() bool {
	return h.Timestamp != "" && len(h.Signatures) > 0
}

// Within reports whether the header timestamp is inside tolerance of now.
// A zero tolerance disables the check.
func (h SignatureHeader) Within(now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		return true
	}
	sec, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return false
	}
	delta := now.Sub(time.Unix(sec, 0))
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}

// HMACSHA256 signs the concatenation of parts with secret.
func HMACSHA256(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func SignHex(secret string, parts ...[]byte) string {
	return hex.EncodeToString(HMACSHA256(secret, parts...))
}

func SignBase64(secret string, parts ...[]byte) string {
	return base64.StdEncoding.EncodeToString(HMACSHA256(secret, parts...))
}

// EqualHex compares a computed MAC against a hex candidate in constant time.
func EqualHex(expected []byte, candidate string) bool {
	decoded, err := hex.DecodeString(strings.TrimSpace(candidate))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}

func EqualBase64(expected []byte, candidate string) bool {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(candidate))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}

// VerifyHMAC checks HMAC-SHA256 over the concatenation of signed against
// any of the v1 signatures in header. Callers pass what their provider
// signs: Stripe-style `t.body`, or Mercado Pago's id/request-id/ts manifest.
func VerifyHMAC(header SignatureHeader, secret string, signed ...[]byte) bool {
	if secret == "" || !header.Valid() {
		return false
	}
	expected := HMACSHA256(secret, signed...)
	for _, sig := range header.Signatures {
		if EqualHex(expected, sig) {
			return true
		}
	}
	return false
}
