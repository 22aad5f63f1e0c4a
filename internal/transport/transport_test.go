package transport

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/localexec"
	"github.com/oriys/orbit/internal/serialization"
)

var upperID = domain.FitableID{
	GenericableID:      "text.upper",
	GenericableVersion: "1.0.0",
	FitableID:          "default",
	FitableVersion:     "1.0.0",
}

var failID = domain.FitableID{
	GenericableID:      "text.upper",
	GenericableVersion: "1.0.0",
	FitableID:          "busy",
	FitableVersion:     "1.0.0",
}

type staticValidator struct{ token string }

func (v staticValidator) Validate(token string) error {
	if token != v.token {
		return errors.New("unknown token")
	}
	return nil
}

func newTestDispatcher(t *testing.T, v TokenValidator) *Dispatcher {
	t.Helper()
	reg := localexec.NewRegistry()
	upper, err := localexec.NewFuncExecutor(upperID, func(s string) (string, error) {
		return strings.ToUpper(s), nil
	})
	if err != nil {
		t.Fatalf("NewFuncExecutor failed: %v", err)
	}
	if err := reg.Register(upper); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	busy := localexec.NewExecutor(failID, func(ctx context.Context, args []any) (any, error) {
		return nil, faults.NewRetryable("busy")
	})
	if err := reg.Register(busy); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return NewDispatcher(reg, serialization.Default(), v)
}

func jsonRequest(t *testing.T, id domain.FitableID, args ...any) *Request {
	t.Helper()
	payload, err := serialization.NewJSON().SerializeRequest(nil, args)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return &Request{
		Metadata: RequestMetadata{Format: domain.FormatJSON, Fitable: id},
		Payload:  payload,
	}
}

func TestTagValuesRoundTrip(t *testing.T) {
	in := map[string]string{"tenant": "acme", "zone": "b", "": "empty-key"}
	out, err := DecodeTagValues(EncodeTagValues(in))
	if err != nil {
		t.Fatalf("DecodeTagValues failed: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch: %v != %v", in, out)
	}
	if EncodeTagValues(nil) != nil {
		t.Fatal("empty tags should encode to nil")
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := newTestDispatcher(t, nil)
	resp := d.Dispatch(context.Background(), jsonRequest(t, upperID, "orbit"))
	if !resp.OK() {
		t.Fatalf("expected success, got %+v", resp.Metadata.Error)
	}
	if string(resp.Payload) != `"ORBIT"` {
		t.Fatalf("unexpected payload %s", resp.Payload)
	}
}

func TestDispatchFailures(t *testing.T) {
	d := newTestDispatcher(t, staticValidator{token: "good"})

	tests := []struct {
		name   string
		req    *Request
		status Status
	}{
		{
			name:   "rejected token",
			req:    jsonRequest(t, upperID, "x"),
			status: StatusAuthInvalid,
		},
		{
			name: "unknown fitable",
			req: func() *Request {
				r := jsonRequest(t, domain.FitableID{GenericableID: "nope", FitableID: "nope"})
				r.Metadata.AccessToken = "good"
				return r
			}(),
			status: Status(faults.CodeLocalNotFound),
		},
		{
			name: "argument mismatch",
			req: func() *Request {
				r := jsonRequest(t, upperID, "a", "b")
				r.Metadata.AccessToken = "good"
				return r
			}(),
			status: Status(faults.CodeSerialization),
		},
		{
			name: "retryable handler error",
			req: func() *Request {
				r := jsonRequest(t, failID)
				r.Metadata.AccessToken = "good"
				return r
			}(),
			status: Status(faults.CodeRetryable),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), tt.req)
			if resp.Metadata.Status != tt.status {
				t.Fatalf("status = %v, want %v (error %+v)", resp.Metadata.Status, tt.status, resp.Metadata.Error)
			}
			if resp.Metadata.Error == nil {
				t.Fatal("expected error payload")
			}
		})
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	srv := NewGRPCServer(newTestDispatcher(t, nil))
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop()

	client := NewGRPCClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := jsonRequest(t, upperID, "grpc")
	req.Metadata.TagValues = EncodeTagValues(map[string]string{"k": "v"})
	resp, err := client.Send(ctx, domain.ProtocolGRPC, srv.Addr(), req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !resp.OK() || string(resp.Payload) != `"GRPC"` {
		t.Fatalf("unexpected response %+v %s", resp.Metadata, resp.Payload)
	}

	resp, err = client.Send(ctx, domain.ProtocolGRPC, srv.Addr(), jsonRequest(t, failID))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.OK() || resp.Metadata.Error.Code != int32(faults.CodeRetryable) {
		t.Fatalf("expected retryable failure, got %+v", resp.Metadata)
	}

	if eps := srv.Endpoints(); len(eps) != 1 || eps[0].Protocol != domain.ProtocolGRPC || eps[0].Port == 0 {
		t.Fatalf("unexpected endpoints %v", eps)
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	srv := NewHTTPServer(newTestDispatcher(t, nil))
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop(context.Background())

	client := NewHTTPClient(5 * time.Second)
	defer client.Close()

	resp, err := client.Send(context.Background(), domain.ProtocolHTTP, srv.Addr(), jsonRequest(t, upperID, "http"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !resp.OK() || string(resp.Payload) != `"HTTP"` {
		t.Fatalf("unexpected response %+v %s", resp.Metadata, resp.Payload)
	}
}

func TestClientRejectsForeignProtocol(t *testing.T) {
	_, err := NewHTTPClient(time.Second).Send(context.Background(), domain.ProtocolGRPC, "127.0.0.1:1", &Request{})
	if !faults.HasCode(err, faults.CodeClientNotFound) {
		t.Fatalf("expected client-not-found, got %v", err)
	}
}

func TestHTTPTransportErrorIsRetryable(t *testing.T) {
	// Port 1 on loopback is not expected to accept connections.
	_, err := NewHTTPClient(time.Second).Send(context.Background(), domain.ProtocolHTTP, "127.0.0.1:1", &Request{})
	if err == nil {
		t.Fatal("expected connection failure")
	}
	if !faults.IsRetryable(err) {
		t.Fatalf("transport failures should be retryable, got %v", err)
	}
}

func TestClientsIndex(t *testing.T) {
	cs := NewClients(NewHTTPClient(time.Second), NewGRPCClient())
	defer cs.Close()
	if !cs.Supports(domain.ProtocolHTTP) || !cs.Supports(domain.ProtocolGRPC) {
		t.Fatal("expected both protocols to be supported")
	}
	if cs.Supports(domain.ProtocolUnknown) {
		t.Fatal("unknown protocol should not be supported")
	}
}

func TestHTTPRejectsOversizedBodies(t *testing.T) {
	srv := NewHTTPServer(newTestDispatcher(t, nil))
	srv.maxBody = 1024
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop(context.Background())

	client := NewHTTPClient(5 * time.Second)
	defer client.Close()

	t.Run("request over the server limit", func(t *testing.T) {
		req := jsonRequest(t, upperID, strings.Repeat("a", 4096))
		_, err := client.Send(context.Background(), domain.ProtocolHTTP, srv.Addr(), req)
		if !faults.HasCode(err, faults.CodePayloadTooLarge) {
			t.Fatalf("expected payload-too-large, got %v", err)
		}
		if faults.IsRetryable(err) {
			t.Fatal("oversized requests should not be retried")
		}
	})

	t.Run("response over the client limit", func(t *testing.T) {
		small := NewHTTPClient(5 * time.Second)
		defer small.Close()
		small.maxBody = 8
		_, err := small.Send(context.Background(), domain.ProtocolHTTP, srv.Addr(), jsonRequest(t, upperID, "longer than eight"))
		if !faults.HasCode(err, faults.CodePayloadTooLarge) {
			t.Fatalf("expected payload-too-large, got %v", err)
		}
	})

	t.Run("body at the limit", func(t *testing.T) {
		// A JSON array holding one string: 4 bytes of framing.
		req := jsonRequest(t, upperID, strings.Repeat("a", 1020))
		if len(req.Payload) != 1024 {
			t.Fatalf("payload is %d bytes, want 1024", len(req.Payload))
		}
		resp, err := client.Send(context.Background(), domain.ProtocolHTTP, srv.Addr(), req)
		if err != nil || !resp.OK() {
			t.Fatalf("body at the limit should pass: %v %+v", err, resp)
		}
	})
}
