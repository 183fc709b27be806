// Package queues is the registry of every queue this system moves events
// through. The set of queues is closed: each Name maps to exactly one payload
// schema and one Go payload type, and callers outside this package can only
// obtain a typed Queue through the package-level descriptors.
package queues

import (
	"fmt"

	"github.com/kinsyu/messaging/schema"
)

// Name is a broker queue name.
type Name string

const (
	UniswapV2SwapsName Name = "uniswap-v2-swaps"
	PumpfunTradesName  Name = "pumpfun-trades"
	RaydiumTradesName  Name = "raydium-trades"
)

func (n Name) String() string { return string(n) }

// Queue binds a queue name to its payload type T.
type Queue[T any] struct {
	name Name
}

// Name returns the broker queue name.
func (q Queue[T]) Name() Name { return q.name }

// Schema returns the schema every payload of q must satisfy.
func (q Queue[T]) Schema() schema.Schema { return SchemaFor(q.name) }

var (
	UniswapV2Swaps = Queue[UniswapV2Swap]{name: UniswapV2SwapsName}
	PumpfunTrades  = Queue[PumpfunTrade]{name: PumpfunTradesName}
	RaydiumTrades  = Queue[RaydiumTrade]{name: RaydiumTradesName}
)

// Names lists every known queue.
func Names() []Name {
	return []Name{UniswapV2SwapsName, PumpfunTradesName, RaydiumTradesName}
}

// Lookup returns the schema for a name that is not known at compile time,
// for example one read from a flag.
func Lookup(name Name) (schema.Schema, bool) {
	switch name {
	case UniswapV2SwapsName:
		return uniswapV2SwapSchema, true
	case PumpfunTradesName:
		return pumpfunTradeSchema, true
	case RaydiumTradesName:
		return raydiumTradeSchema, true
	}
	return nil, false
}

// New returns a pointer to a zero payload of the queue's Go type, for
// decoding a document whose queue is only known at run time.
func New(name Name) (any, bool) {
	switch name {
	case UniswapV2SwapsName:
		return new(UniswapV2Swap), true
	case PumpfunTradesName:
		return new(PumpfunTrade), true
	case RaydiumTradesName:
		return new(RaydiumTrade), true
	}
	return nil, false
}

// SchemaFor returns the schema of a registered queue. It panics for a name
// outside the registry.
func SchemaFor(name Name) schema.Schema {
	s, ok := Lookup(name)
	if !ok {
		panic(fmt.Sprintf("queues: %q is not a registered queue", string(name)))
	}
	return s
}
