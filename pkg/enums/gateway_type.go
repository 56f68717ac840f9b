package enums

import (
	"fmt"
	"strings"
)

// GatewayType identifies the provider adapter that owns a transaction.
type GatewayType string

const (
	GatewayCardA    GatewayType = "card-a"
	GatewayCardB    GatewayType = "card-b"
	GatewayCardC    GatewayType = "card-c"
	GatewayTransfer GatewayType = "transfer"
)

var validGatewayTypes = []GatewayType{
	GatewayCardA,
	GatewayCardB,
	GatewayCardC,
	GatewayTransfer,
}

// GatewayTypes returns every known gateway in a stable order.
func GatewayTypes() []GatewayType {
	out := make([]GatewayType, len(validGatewayTypes))
	copy(out, validGatewayTypes)
	return out
}

func (g GatewayType) String() string {
	return string(g)
}

func (g GatewayType) IsValid() bool {
	for _, candidate := range validGatewayTypes {
		if candidate == g {
			return true
		}
	}
	return false
}

// ParseGatewayType accepts the canonical value case-insensitively.
func ParseGatewayType(value string) (GatewayType, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validGatewayTypes {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid gateway type %q", value)
}
