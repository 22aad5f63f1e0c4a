package domain

import (
	"fmt"
	"strings"
)

// GenericableID identifies an abstract service contract.
type GenericableID struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version" yaml:"version"`
}

func (g GenericableID) String() string {
	return g.ID + "@" + g.Version
}

// IsZero reports whether the identity is unset.
func (g GenericableID) IsZero() bool {
	return g.ID == ""
}

// FitableID fully qualifies one implementation of a genericable.
type FitableID struct {
	GenericableID      string `json:"genericable_id" yaml:"genericableId"`
	GenericableVersion string `json:"genericable_version" yaml:"genericableVersion"`
	FitableID          string `json:"fitable_id" yaml:"fitableId"`
	FitableVersion     string `json:"fitable_version" yaml:"fitableVersion"`
}

// NewFitableID builds a fully qualified fitable identity.
func NewFitableID(g GenericableID, fitableID, fitableVersion string) FitableID {
	return FitableID{
		GenericableID:      g.ID,
		GenericableVersion: g.Version,
		FitableID:          fitableID,
		FitableVersion:     fitableVersion,
	}
}

// Genericable returns the owning genericable identity.
func (f FitableID) Genericable() GenericableID {
	return GenericableID{ID: f.GenericableID, Version: f.GenericableVersion}
}

// Key returns the identity of the fitable within its genericable.
func (f FitableID) Key() FitableKey {
	return FitableKey{ID: f.FitableID, Version: f.FitableVersion}
}

func (f FitableID) String() string {
	return fmt.Sprintf("%s@%s/%s@%s", f.GenericableID, f.GenericableVersion, f.FitableID, f.FitableVersion)
}

// ParseFitableID parses the form produced by FitableID.String.
func ParseFitableID(raw string) (FitableID, error) {
	g, f, ok := strings.Cut(raw, "/")
	if !ok {
		return FitableID{}, fmt.Errorf("invalid fitable id %q: missing '/'", raw)
	}
	gid, gv, ok := strings.Cut(g, "@")
	if !ok || gid == "" {
		return FitableID{}, fmt.Errorf("invalid fitable id %q: bad genericable part", raw)
	}
	fid, fv, ok := strings.Cut(f, "@")
	if !ok || fid == "" {
		return FitableID{}, fmt.Errorf("invalid fitable id %q: bad fitable part", raw)
	}
	return FitableID{GenericableID: gid, GenericableVersion: gv, FitableID: fid, FitableVersion: fv}, nil
}

// FitableKey identifies a fitable inside one genericable.
type FitableKey struct {
	ID      string
	Version string
}

func (k FitableKey) String() string {
	return k.ID + "@" + k.Version
}
