// Package zone implements the zone router (spec.md §4.3): resolves a
// managed entity's physical table name according to the processor's
// current chain-tip status.
package zone

import (
	"fmt"
	"sync/atomic"

	"github.com/dualzone/chstore/internal/chain"
	"github.com/dualzone/chstore/internal/entity"
	"github.com/dualzone/chstore/internal/obs"
)

// Router resolves an entity.Kind to the physical table it should be
// written to right now. Catching up writes go straight to cold (every
// block seen during catchup is already past the finality depth by
// definition); at-tip writes go to hot.
type Router struct {
	network string
	schema  entity.SchemaSource

	// isAtChainTip is set by the producer via the coordinator and read by
	// the coordinator and ResolveTable; kept atomic defensively.
	isAtChainTip atomic.Bool
}

// NewRouter constructs a Router. isAtChainTip starts false (catching up).
func NewRouter(network string, schema entity.SchemaSource) *Router {
	return &Router{network: network, schema: schema}
}

// SetIsAtChainTip updates the flag and logs the transition, per spec.md
// §4.3.
func (r *Router) SetIsAtChainTip(flag bool) {
	previous := r.isAtChainTip.Swap(flag)
	if previous != flag {
		obs.Info("zone router chain-tip transition", "network", r.network, "is_at_chain_tip", flag)
	}
}

// IsAtChainTip reports the current flag value.
func (r *Router) IsAtChainTip() bool {
	return r.isAtChainTip.Load()
}

// ResolveTable returns the physical table name for kind given the current
// isAtChainTip flag. Kinds with no hot/cold split always resolve to the
// fixed {network}_{snake} name.
func (r *Router) ResolveTable(kind entity.Kind) (string, error) {
	desc, ok := r.schema.Describe(kind)
	if !ok {
		return "", fmt.Errorf("%w: %s", chain.ErrUnknownTable, kind)
	}

	if !desc.HasHotCold {
		return desc.PhysicalName(r.network, entity.ZoneRegular), nil
	}
	if r.isAtChainTip.Load() {
		return desc.PhysicalName(r.network, entity.ZoneHot), nil
	}
	return desc.PhysicalName(r.network, entity.ZoneCold), nil
}
