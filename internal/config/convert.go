package config

import (
	"fmt"

	"github.com/oriys/orbit/internal/auth"
	"github.com/oriys/orbit/internal/circuitbreaker"
	"github.com/oriys/orbit/internal/domain"
)

// ParseFormats maps format names to codes. Unknown names are an error.
func ParseFormats(names []string) ([]domain.Format, error) {
	out := make([]domain.Format, 0, len(names))
	for _, n := range names {
		f := domain.ParseFormat(n)
		if f == domain.FormatUnknown {
			return nil, fmt.Errorf("unknown format %q", n)
		}
		out = append(out, f)
	}
	return out, nil
}

// Target converts a static target.
func (t StaticTarget) Target() (domain.Target, error) {
	formats, err := ParseFormats(t.Formats)
	if err != nil {
		return domain.Target{}, fmt.Errorf("target %s: %w", t.WorkerID, err)
	}
	out := domain.Target{
		WorkerID:    t.WorkerID,
		Host:        t.Host,
		Environment: t.Environment,
		Formats:     formats,
		Extensions:  t.Extensions,
	}
	for _, ep := range t.Endpoints {
		p := domain.ParseProtocol(ep.Protocol)
		if p == domain.ProtocolUnknown {
			return domain.Target{}, fmt.Errorf("target %s: unknown protocol %q", t.WorkerID, ep.Protocol)
		}
		out.Endpoints = append(out.Endpoints, domain.Endpoint{Protocol: p, Port: ep.Port})
	}
	return out, nil
}

// FitableIDs returns the identities a static entry serves targets for.
// An entry without a fitable covers every fitable declared for its
// genericable in genericables.
func (s StaticEntry) FitableIDs(genericables []GenericableConfig) []domain.FitableID {
	gid := domain.GenericableID{ID: s.Genericable, Version: s.Version}
	var out []domain.FitableID
	for _, g := range genericables {
		if g.ID != s.Genericable || g.Version != s.Version {
			continue
		}
		for _, f := range g.Fitables {
			if s.Fitable == "" || s.Fitable == f.ID {
				out = append(out, domain.NewFitableID(gid, f.ID, f.Version))
			}
		}
	}
	return out
}

// JWT returns the token settings for subject.
func (a AuthConfig) JWT(subject string) auth.JWTConfig {
	return auth.JWTConfig{
		Algorithm:     a.Algorithm,
		Secret:        a.Secret,
		PublicKeyFile: a.PublicKeyFile,
		Issuer:        a.Issuer,
		Subject:       subject,
		TTL:           a.TokenTTL,
	}
}

// Circuit returns the circuit breaker configuration.
func (b BreakerConfig) Circuit() circuitbreaker.Config {
	return circuitbreaker.Config{
		ErrorPct:       b.ErrorPct,
		MinRequests:    b.MinRequests,
		WindowDuration: b.WindowDuration,
		OpenDuration:   b.OpenDuration,
		HalfOpenProbes: b.HalfOpenProbes,
	}
}

// Apply copies the configured defaults onto ic.
func (c InvocationConfig) Apply(ic *domain.InvocationContext) error {
	ic.Timeout = c.Timeout
	ic.Retry = c.Retry
	ic.Degradable = c.Degradable
	ic.Environment = c.Environment
	ic.EnvironmentPriority = append([]string(nil), c.EnvironmentPriority...)
	if c.Protocol != "" {
		p := domain.ParseProtocol(c.Protocol)
		if p == domain.ProtocolUnknown {
			return fmt.Errorf("invocation: unknown protocol %q", c.Protocol)
		}
		ic.Protocol = p
	}
	if c.Format != "" {
		f := domain.ParseFormat(c.Format)
		if f == domain.FormatUnknown {
			return fmt.Errorf("invocation: unknown format %q", c.Format)
		}
		ic.Format = f
	}
	return nil
}
