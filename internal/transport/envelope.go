// Package transport defines the request/response envelope exchanged
// between workers, the Client contract the remote executors send through,
// and the gRPC and HTTP adapters for both sides of the wire.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
)

// Status is the response status code. Zero is success; any other value is
// the faults code of the failure.
type Status int32

const (
	StatusOK Status = 0
	// StatusAuthInvalid means the access token was rejected.
	StatusAuthInvalid = Status(faults.CodeAuthInvalid)
)

// RequestMetadata identifies the fitable being called and how the payload
// is encoded.
type RequestMetadata struct {
	Format      domain.Format
	Fitable     domain.FitableID
	TagValues   []byte
	AccessToken string
	Timeout     time.Duration
}

// ErrorPayload describes a failed remote invocation.
type ErrorPayload struct {
	Code          int32             `json:"code"`
	Message       string            `json:"message"`
	Properties    map[string]string `json:"properties,omitempty"`
	GenericableID string            `json:"genericable_id,omitempty"`
	FitableID     string            `json:"fitable_id,omitempty"`
}

// ResponseMetadata carries the outcome of a remote invocation.
type ResponseMetadata struct {
	Status Status
	Format domain.Format
	Error  *ErrorPayload
}

// Request is the outbound envelope.
type Request struct {
	Metadata RequestMetadata
	Payload  []byte
}

// Response is the inbound envelope.
type Response struct {
	Metadata ResponseMetadata
	Payload  []byte
}

// OK reports whether the invocation succeeded.
func (r *Response) OK() bool { return r.Metadata.Status == StatusOK }

// Client sends envelopes over one or more protocols.
type Client interface {
	Protocols() []domain.Protocol
	Send(ctx context.Context, protocol domain.Protocol, address string, req *Request) (*Response, error)
	Close() error
}

// Clients indexes transport clients by protocol.
type Clients struct {
	byProtocol map[domain.Protocol]Client
	all        []Client
}

// NewClients indexes cs. The first client registered for a protocol wins.
func NewClients(cs ...Client) *Clients {
	out := &Clients{byProtocol: make(map[domain.Protocol]Client)}
	for _, c := range cs {
		out.all = append(out.all, c)
		for _, p := range c.Protocols() {
			if _, ok := out.byProtocol[p]; !ok {
				out.byProtocol[p] = c
			}
		}
	}
	return out
}

// For returns the client speaking p.
func (c *Clients) For(p domain.Protocol) (Client, bool) {
	if c == nil {
		return nil, false
	}
	cl, ok := c.byProtocol[p]
	return cl, ok
}

// Supports reports whether any client speaks p.
func (c *Clients) Supports(p domain.Protocol) bool {
	_, ok := c.For(p)
	return ok
}

// Close closes every client and returns the first error.
func (c *Clients) Close() error {
	var firstErr error
	for _, cl := range c.all {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

const (
	tagFieldEntry protowire.Number = 1
	tagFieldKey   protowire.Number = 1
	tagFieldValue protowire.Number = 2
)

// EncodeTagValues encodes extension tags as repeated (key, value) entries
// in protobuf wire format. Keys are written in sorted order.
func EncodeTagValues(tags map[string]string) []byte {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, tagFieldKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, tagFieldValue, protowire.BytesType)
		entry = protowire.AppendString(entry, tags[k])

		b = protowire.AppendTag(b, tagFieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// DecodeTagValues reverses EncodeTagValues.
func DecodeTagValues(b []byte) (map[string]string, error) {
	out := make(map[string]string)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != tagFieldEntry || typ != protowire.BytesType {
			return nil, fmt.Errorf("tag values: unexpected field %d", num)
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		var key, value string
		for len(entry) > 0 {
			num, typ, n := protowire.ConsumeTag(entry)
			if n < 0 || typ != protowire.BytesType {
				return nil, fmt.Errorf("tag values: malformed entry")
			}
			entry = entry[n:]
			s, n := protowire.ConsumeString(entry)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			entry = entry[n:]
			switch num {
			case tagFieldKey:
				key = s
			case tagFieldValue:
				value = s
			}
		}
		out[key] = value
	}
	return out, nil
}

// Metadata header keys shared by the gRPC and HTTP adapters.
const (
	headerFormat             = "x-orbit-format"
	headerGenericableID      = "x-orbit-genericable-id"
	headerGenericableVersion = "x-orbit-genericable-version"
	headerFitableID          = "x-orbit-fitable-id"
	headerFitableVersion     = "x-orbit-fitable-version"
	headerTagValues          = "x-orbit-tag-values"
	headerTimeoutMs          = "x-orbit-timeout-ms"
	headerAuthorization      = "authorization"
	headerStatus             = "x-orbit-status"
	headerError              = "x-orbit-error"
)

func requestHeaders(md RequestMetadata) map[string]string {
	h := map[string]string{
		headerFormat:             strconv.Itoa(int(md.Format)),
		headerGenericableID:      md.Fitable.GenericableID,
		headerGenericableVersion: md.Fitable.GenericableVersion,
		headerFitableID:          md.Fitable.FitableID,
		headerFitableVersion:     md.Fitable.FitableVersion,
	}
	if len(md.TagValues) > 0 {
		h[headerTagValues] = base64.StdEncoding.EncodeToString(md.TagValues)
	}
	if md.Timeout > 0 {
		h[headerTimeoutMs] = strconv.FormatInt(md.Timeout.Milliseconds(), 10)
	}
	if md.AccessToken != "" {
		h[headerAuthorization] = "Bearer " + md.AccessToken
	}
	return h
}

func parseRequestHeaders(get func(string) string) (RequestMetadata, error) {
	var md RequestMetadata
	format, err := strconv.Atoi(get(headerFormat))
	if err != nil {
		return md, fmt.Errorf("bad %s header: %w", headerFormat, err)
	}
	md.Format = domain.Format(format)
	md.Fitable = domain.FitableID{
		GenericableID:      get(headerGenericableID),
		GenericableVersion: get(headerGenericableVersion),
		FitableID:          get(headerFitableID),
		FitableVersion:     get(headerFitableVersion),
	}
	if raw := get(headerTagValues); raw != "" {
		tv, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return md, fmt.Errorf("bad %s header: %w", headerTagValues, err)
		}
		md.TagValues = tv
	}
	if raw := get(headerTimeoutMs); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return md, fmt.Errorf("bad %s header: %w", headerTimeoutMs, err)
		}
		md.Timeout = time.Duration(ms) * time.Millisecond
	}
	if raw := get(headerAuthorization); len(raw) > len("Bearer ") && raw[:len("Bearer ")] == "Bearer " {
		md.AccessToken = raw[len("Bearer "):]
	}
	return md, nil
}

func responseHeaders(md ResponseMetadata) (map[string]string, error) {
	h := map[string]string{
		headerStatus: strconv.FormatInt(int64(md.Status), 10),
		headerFormat: strconv.Itoa(int(md.Format)),
	}
	if md.Error != nil {
		data, err := json.Marshal(md.Error)
		if err != nil {
			return nil, fmt.Errorf("marshal error payload: %w", err)
		}
		h[headerError] = base64.StdEncoding.EncodeToString(data)
	}
	return h, nil
}

func parseResponseHeaders(get func(string) string) (ResponseMetadata, error) {
	var md ResponseMetadata
	status, err := strconv.ParseInt(get(headerStatus), 10, 32)
	if err != nil {
		return md, fmt.Errorf("bad %s header: %w", headerStatus, err)
	}
	md.Status = Status(status)
	if raw := get(headerFormat); raw != "" {
		format, err := strconv.Atoi(raw)
		if err != nil {
			return md, fmt.Errorf("bad %s header: %w", headerFormat, err)
		}
		md.Format = domain.Format(format)
	}
	if raw := get(headerError); raw != "" {
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return md, fmt.Errorf("bad %s header: %w", headerError, err)
		}
		md.Error = &ErrorPayload{}
		if err := json.Unmarshal(data, md.Error); err != nil {
			return md, fmt.Errorf("decode error payload: %w", err)
		}
	}
	return md, nil
}
