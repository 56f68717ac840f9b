package gateway

import (
	"fmt"

	"github.com/angelmondragon/mesa-payments/pkg/enums"
)

// Registry resolves the adapter for a gateway type.
type Registry struct {
	adapters map[enums.GatewayType]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[enums.GatewayType]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		gw := a.Type()
		if _, dup := r.adapters[gw]; dup {
			return nil, fmt.Errorf("adapter for %s registered twice", gw)
		}
		r.adapters[gw] = a
	}
	return r, nil
}

func (r *Registry) Get(gw enums.GatewayType) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[gw]; ok {
			return a, nil
		}
	}
	return nil, &Error{Kind: KindNotConfigured, Provider: gw, Op: "registry", Err: fmt.Errorf("no adapter registered for %s", gw)}
}

// Types lists registered gateways in the canonical order.
func (r *Registry) Types() []enums.GatewayType {
	out := make([]enums.GatewayType, 0, len(r.adapters))
	for _, gw := range enums.GatewayTypes() {
		if _, ok := r.adapters[gw]; ok {
			out = append(out, gw)
		}
	}
	return out
}
