package domain

import (
	"net"
	"strconv"
)

// Protocol identifies the transport a worker endpoint speaks.
type Protocol int32

const (
	ProtocolUnknown Protocol = -1
	ProtocolHTTP    Protocol = 2
	ProtocolGRPC    Protocol = 3
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolGRPC:
		return "grpc"
	default:
		return "unknown"
	}
}

// ParseProtocol maps a configuration string to a Protocol.
func ParseProtocol(raw string) Protocol {
	switch raw {
	case "http", "HTTP":
		return ProtocolHTTP
	case "grpc", "GRPC":
		return ProtocolGRPC
	default:
		return ProtocolUnknown
	}
}

// Format is the serialization format code carried in request metadata.
type Format int32

const (
	FormatUnknown  Format = -1
	FormatProtobuf Format = 0
	FormatJSON     Format = 1
	// FormatStruct encodes arguments as a google.protobuf.ListValue.
	FormatStruct Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatProtobuf:
		return "protobuf"
	case FormatJSON:
		return "json"
	case FormatStruct:
		return "struct"
	default:
		return "unknown"
	}
}

// ParseFormat maps a configuration string to a Format.
func ParseFormat(raw string) Format {
	switch raw {
	case "protobuf", "proto":
		return FormatProtobuf
	case "json":
		return FormatJSON
	case "struct":
		return FormatStruct
	default:
		return FormatUnknown
	}
}

// GenericFormats are the self-describing formats usable without a bound method.
var GenericFormats = []Format{FormatJSON, FormatStruct}

// IsGenericFormat reports whether f can carry dynamically typed values.
func IsGenericFormat(f Format) bool {
	for _, g := range GenericFormats {
		if g == f {
			return true
		}
	}
	return false
}

// Endpoint is one network listener of a worker.
type Endpoint struct {
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	Port     int      `json:"port" yaml:"port"`
}

// Target is a reachable worker able to execute a fitable.
type Target struct {
	WorkerID    string            `json:"worker_id" yaml:"workerId"`
	Host        string            `json:"host" yaml:"host"`
	Environment string            `json:"environment,omitempty" yaml:"environment,omitempty"`
	Endpoints   []Endpoint        `json:"endpoints" yaml:"endpoints"`
	Formats     []Format          `json:"formats" yaml:"formats"`
	Extensions  map[string]string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// Address returns host:port for the endpoint.
func (t Target) Address(ep Endpoint) string {
	return net.JoinHostPort(t.Host, strconv.Itoa(ep.Port))
}

// SupportsFormat reports whether the target advertises f.
func (t Target) SupportsFormat(f Format) bool {
	for _, tf := range t.Formats {
		if tf == f {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so filters can narrow endpoints and formats
// without touching the locator's data.
func (t Target) Clone() Target {
	out := t
	out.Endpoints = append([]Endpoint(nil), t.Endpoints...)
	out.Formats = append([]Format(nil), t.Formats...)
	if t.Extensions != nil {
		out.Extensions = make(map[string]string, len(t.Extensions))
		for k, v := range t.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}

// WorkerIDs returns the set of worker ids present in targets.
func WorkerIDs(targets []Target) map[string]struct{} {
	out := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		out[t.WorkerID] = struct{}{}
	}
	return out
}
