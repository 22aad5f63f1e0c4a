package broker

import (
	"fmt"

	"github.com/oriys/orbit/internal/domain"
)

// GenericableSpec describes a genericable and its fitables.
type GenericableSpec struct {
	ID      string
	Version string
	Name    string
	Kind    string
	// Method binds static parameter and return types; nil makes every
	// call generic.
	Method   *domain.Method
	Route    string
	Tags     []string
	Fitables []FitableSpec
}

// FitableSpec describes one fitable. Degradation names a sibling by id;
// an empty DegradationVersion means the fitable's own version.
type FitableSpec struct {
	ID                 string
	Version            string
	Aliases            []string
	Tags               []string
	Degradation        string
	DegradationVersion string
}

// NewGenericable creates a detached genericable holding the fitables of
// spec. It is usable once added to a Broker with Define or Add.
func NewGenericable(spec GenericableSpec) (*Genericable, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("genericable id required")
	}
	g := &Genericable{
		id:       domain.GenericableID{ID: spec.ID, Version: spec.Version},
		name:     spec.Name,
		kind:     spec.Kind,
		method:   spec.Method,
		route:    spec.Route,
		tags:     append([]string(nil), spec.Tags...),
		fitables: make(map[domain.FitableKey]*Fitable, len(spec.Fitables)),
	}
	if g.name == "" {
		g.name = spec.ID
	}
	for _, fs := range spec.Fitables {
		f, err := NewFitable(fs)
		if err != nil {
			return nil, fmt.Errorf("genericable %s: %w", g.id, err)
		}
		if err := g.AddFitable(f); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// NewFitable creates a detached fitable.
func NewFitable(spec FitableSpec) (*Fitable, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("fitable id required")
	}
	f := &Fitable{
		id:      domain.FitableID{FitableID: spec.ID, FitableVersion: spec.Version},
		aliases: append([]string(nil), spec.Aliases...),
		tags:    append([]string(nil), spec.Tags...),
	}
	if spec.Degradation != "" {
		version := spec.DegradationVersion
		if version == "" {
			version = spec.Version
		}
		if spec.Degradation == spec.ID && version == spec.Version {
			return nil, fmt.Errorf("fitable %s degrades to itself", spec.ID)
		}
		f.degradation = &domain.FitableKey{ID: spec.Degradation, Version: version}
	}
	return f, nil
}
