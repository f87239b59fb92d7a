package source

import (
	"context"
	"encoding/json"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/depscan/collector"
	"github.com/aquasecurity/depscan/types"
)

// Inventory reads a JSON list of tuples produced by another tool:
//
//	[{"name": "org.slf4j:slf4j-api", "ecosystem": "Maven", "version": "2.0.12",
//	  "chain": ["org.example:app", "org.slf4j:slf4j-api"]}]
//
// An inventory is tree-aware unless built with WithKind(collector.KindFlat).
type Inventory struct {
	file
	kind collector.Kind
}

type InventoryOption func(*Inventory)

func WithKind(kind collector.Kind) InventoryOption {
	return func(i *Inventory) { i.kind = kind }
}

func NewInventory(appFs afero.Fs, path string, opts ...InventoryOption) *Inventory {
	inv := &Inventory{file: newFile(appFs, path), kind: collector.KindTree}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (i *Inventory) Name() string          { return "inventory:" + i.path }
func (i *Inventory) Kind() collector.Kind { return i.kind }

func (i *Inventory) Fetch(ctx context.Context) ([]types.Tuple, error) {
	b, err := i.read(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to read inventory: %w", err)
	}

	var tuples []types.Tuple
	if err = json.Unmarshal(b, &tuples); err != nil {
		return nil, xerrors.Errorf("failed to decode inventory %s: %w", i.path, err)
	}
	return tuples, nil
}
