package validators

import (
	"strings"
	"unicode"
)

// Provider metadata limits. Stripe is the strictest of the card gateways.
const (
	MaxMetadataKeys     = 20
	MaxMetadataKeyLen   = 40
	MaxMetadataValueLen = 500
)

// SanitizeString trims input, drops control characters and cuts it to at
// most maxLen runes. Order references and descriptions are forwarded to
// providers verbatim, so nothing unprintable may pass.
func SanitizeString(input string, maxLen int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(input))
	if maxLen > 0 {
		if runes := []rune(cleaned); len(runes) > maxLen {
			cleaned = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return cleaned
}

// SanitizeMetadata applies provider metadata limits. Empty keys are dropped
// and values are cut rather than rejected.
func SanitizeMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		key := SanitizeString(k, MaxMetadataKeyLen)
		if key == "" {
			continue
		}
		out[key] = SanitizeString(v, MaxMetadataValueLen)
		if len(out) == MaxMetadataKeys {
			break
		}
	}
	return out
}
