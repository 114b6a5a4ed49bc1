package lending

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Asset describes a token the contract accepts, with the decimal count used
// to convert human-entered amounts into base units.
type Asset struct {
	Symbol   string
	Name     string
	Address  common.Address
	Decimals uint8
	// Native marks the chain's own currency; its amount rides as transaction
	// value rather than a token transfer.
	Native bool
}

// Registry resolves asset symbols case-insensitively.
type Registry struct {
	bySymbol  map[string]Asset
	byAddress map[common.Address]Asset
}

// NewRegistry indexes the configured assets. Duplicate symbols are rejected
// so a config typo cannot silently shadow an asset.
func NewRegistry(assets []Asset) (*Registry, error) {
	r := &Registry{
		bySymbol:  make(map[string]Asset, len(assets)),
		byAddress: make(map[common.Address]Asset, len(assets)),
	}
	for _, asset := range assets {
		key := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if key == "" {
			return nil, fmt.Errorf("lending: asset with empty symbol")
		}
		if _, exists := r.bySymbol[key]; exists {
			return nil, fmt.Errorf("lending: duplicate asset symbol %q", key)
		}
		asset.Symbol = key
		r.bySymbol[key] = asset
		r.byAddress[asset.Address] = asset
	}
	return r, nil
}

// Lookup resolves a symbol to its asset definition.
func (r *Registry) Lookup(symbol string) (Asset, error) {
	if r == nil {
		return Asset{}, ErrUnknownAsset
	}
	asset, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Asset{}, fmt.Errorf("lending: asset %q: %w", symbol, ErrUnknownAsset)
	}
	return asset, nil
}

// ByAddress resolves a token contract address back to its asset definition.
func (r *Registry) ByAddress(addr common.Address) (Asset, bool) {
	if r == nil {
		return Asset{}, false
	}
	asset, ok := r.byAddress[addr]
	return asset, ok
}

// Symbols lists the registered symbols in stable order.
func (r *Registry) Symbols() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.bySymbol))
	for symbol := range r.bySymbol {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
