// Package builtin wires the bundled site adapters into a source.Registry.
package builtin

import (
	"fmt"

	"github.com/JakeFAU/govdoc-harvester/internal/source"
	"github.com/JakeFAU/govdoc-harvester/internal/source/flkgov"
	"github.com/JakeFAU/govdoc-harvester/internal/source/nhsa"
	"github.com/JakeFAU/govdoc-harvester/internal/source/wjw"
)

// Register adds every bundled adapter to r.
func Register(r *source.Registry) error {
	for kind, factory := range map[string]source.Factory{
		nhsa.Kind:   nhsa.New,
		wjw.Kind:    wjw.New,
		flkgov.Kind: flkgov.New,
	} {
		if err := r.Register(kind, factory); err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the bundled adapters.
func NewRegistry() (*source.Registry, error) {
	r := source.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}
