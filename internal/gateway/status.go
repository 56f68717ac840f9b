package gateway

import (
	"context"
	"sort"
	"strings"

	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
)

// StatusTable maps one provider's status vocabulary onto canonical statuses.
// K is the provider's typed status so tables stay keyed by declared
// constants rather than free strings.
type StatusTable[K ~string] struct {
	gateway enums.GatewayType
	entries map[K]enums.TransactionStatus
	folded  map[string]enums.TransactionStatus
	metrics *metrics.GatewayMetrics
	logg    *logger.Logger
}

func NewStatusTable[K ~string](gw enums.GatewayType, entries map[K]enums.TransactionStatus, m *metrics.GatewayMetrics, logg *logger.Logger) *StatusTable[K] {
	if logg == nil {
		logg = logger.Nop()
	}
	folded := make(map[string]enums.TransactionStatus, len(entries))
	for raw, status := range entries {
		folded[strings.ToLower(string(raw))] = status
	}
	return &StatusTable[K]{gateway: gw, entries: entries, folded: folded, metrics: m, logg: logg}
}

// Lookup returns the canonical status and whether raw is a known code.
func (t *StatusTable[K]) Lookup(raw string) (enums.TransactionStatus, bool) {
	if status, ok := t.entries[K(raw)]; ok {
		return status, true
	}
	status, ok := t.folded[strings.ToLower(strings.TrimSpace(raw))]
	return status, ok
}

// Map never returns a settled state for an unknown code: those become
// pending, get logged and are counted so repeated unknowns can alert.
func (t *StatusTable[K]) Map(raw string) enums.TransactionStatus {
	if status, ok := t.Lookup(raw); ok {
		return status
	}
	ctx := t.logg.WithFields(context.Background(), map[string]any{
		"gateway":    t.gateway,
		"raw_status": raw,
	})
	t.logg.Warn(ctx, "unknown provider status mapped to pending")
	t.metrics.IncUnknownStatus(string(t.gateway), raw)
	return enums.TransactionStatusPending
}

// Keys lists the table's raw codes in sorted order.
func (t *StatusTable[K]) Keys() []K {
	keys := make([]K, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
