package domain

import (
	"reflect"
	"time"
)

// CommunicationType selects how many fitables/targets a call reaches.
type CommunicationType int

const (
	Unicast CommunicationType = iota
	Multicast
)

func (c CommunicationType) String() string {
	if c == Multicast {
		return "multicast"
	}
	return "unicast"
}

// Method is the statically bound signature of a genericable.
type Method struct {
	Name       string
	ParamTypes []reflect.Type
	ReturnType reflect.Type
}

// GenericableInfo is the read-only view of a genericable handed to filters.
type GenericableInfo interface {
	ID() GenericableID
	Name() string
	Tags() []string
}

// FitableInfo is the read-only view of a fitable handed to filters.
type FitableInfo interface {
	ID() FitableID
	Aliases() []string
	Tags() []string
}

// RouteFilter narrows the fitables of one genericable for a single call.
type RouteFilter interface {
	Route(g GenericableInfo, fitables []FitableInfo, args []any, extensions map[string]string) ([]FitableInfo, error)
}

// RouteFilterFunc adapts a function to RouteFilter.
type RouteFilterFunc func(g GenericableInfo, fitables []FitableInfo, args []any, extensions map[string]string) ([]FitableInfo, error)

func (f RouteFilterFunc) Route(g GenericableInfo, fitables []FitableInfo, args []any, extensions map[string]string) ([]FitableInfo, error) {
	return f(g, fitables, args, extensions)
}

// TargetFilter narrows candidate targets of one fitable.
type TargetFilter interface {
	Filter(f FitableInfo, targets []Target, args []any, extensions map[string]string) []Target
}

// TargetFilterFunc adapts a function to TargetFilter.
type TargetFilterFunc func(f FitableInfo, targets []Target, args []any, extensions map[string]string) []Target

func (fn TargetFilterFunc) Filter(f FitableInfo, targets []Target, args []any, extensions map[string]string) []Target {
	return fn(f, targets, args, extensions)
}

// Reducer folds multicast branch results left to right. Branches that
// failed contribute nil.
type Reducer func(acc, next any) any

// InvocationContext carries the per-call options. It is never mutated once
// a call has started.
type InvocationContext struct {
	Timeout             time.Duration
	Communication       CommunicationType
	Retry               int
	Degradable          bool
	Environment         string
	EnvironmentPriority []string
	Protocol            Protocol
	Format              Format
	RouteFilter         RouteFilter
	LoadBalanceFilter   TargetFilter
	LoadBalanceWith     []FitableID
	Reducer             Reducer
	LocalWorkerID       string
	// Extensions are handed to filters and, as tag values, to remote workers.
	Extensions map[string]string
}

// NewInvocationContext returns a unicast context with no protocol or
// format preference.
func NewInvocationContext(localWorkerID string) *InvocationContext {
	return &InvocationContext{
		Communication: Unicast,
		Protocol:      ProtocolUnknown,
		Format:        FormatUnknown,
		LocalWorkerID: localWorkerID,
	}
}

// IsMulticast reports whether the call fans out.
func (c *InvocationContext) IsMulticast() bool {
	return c != nil && c.Communication == Multicast
}

// WithMulticast returns a copy that fans out and folds with r.
func (c *InvocationContext) WithMulticast(r Reducer) *InvocationContext {
	out := *c
	out.Communication = Multicast
	out.Reducer = r
	return &out
}
