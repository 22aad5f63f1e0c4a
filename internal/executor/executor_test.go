package executor

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/circuitbreaker"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/localexec"
	"github.com/oriys/orbit/internal/serialization"
	"github.com/oriys/orbit/internal/transport"
)

var gid = domain.GenericableID{ID: "text.upper", Version: "1.0.0"}

type stubFitable struct {
	id      domain.FitableID
	calls   int
	results []error
	value   any
	next    *stubFitable
}

func newStub(name string, results ...error) *stubFitable {
	return &stubFitable{id: domain.NewFitableID(gid, name, "1"), results: results, value: name}
}

func (f *stubFitable) ID() domain.FitableID { return f.id }
func (f *stubFitable) Aliases() []string    { return nil }
func (f *stubFitable) Tags() []string       { return nil }

func (f *stubFitable) Execute(context.Context, *domain.InvocationContext, []any) (any, error) {
	i := f.calls
	f.calls++
	if i < len(f.results) && f.results[i] != nil {
		return nil, f.results[i]
	}
	if i >= len(f.results) && len(f.results) > 0 && f.results[len(f.results)-1] != nil {
		return nil, f.results[len(f.results)-1]
	}
	return f.value, nil
}

func (f *stubFitable) Degradation() (Fitable, bool) {
	if f.next == nil {
		return nil, false
	}
	return f.next, true
}

func candidates(fs ...*stubFitable) []Fitable {
	out := make([]Fitable, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

func TestComposeShape(t *testing.T) {
	ic := domain.NewInvocationContext("w1")
	if _, ok := Compose(ic).(*Multicast); ok {
		t.Fatal("unicast context composed a multicast executor")
	}
	u, ok := Compose(ic).(*Unicast)
	if !ok {
		t.Fatalf("expected *Unicast, got %T", Compose(ic))
	}
	if _, ok := u.Next.(*Retryable); !ok {
		t.Fatalf("expected retry below unicast without degradation, got %T", u.Next)
	}

	ic.Degradable = true
	mc := ic.WithMulticast(func(acc, next any) any { return acc })
	m, ok := Compose(mc).(*Multicast)
	if !ok {
		t.Fatalf("expected *Multicast, got %T", Compose(mc))
	}
	if _, ok := m.Next.(*Degradable); !ok {
		t.Fatalf("expected degradation below multicast, got %T", m.Next)
	}
}

func TestUnicastCandidateCount(t *testing.T) {
	ic := domain.NewInvocationContext("w1")
	tests := []struct {
		name string
		in   []Fitable
		code faults.Code
	}{
		{"none", nil, faults.CodeFitableNotFound},
		{"two", candidates(newStub("a"), newStub("b")), faults.CodeTooManyFitables},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compose(ic).Execute(context.Background(), tt.in, ic, nil)
			if !faults.HasCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestRetryAttempts(t *testing.T) {
	retry := faults.NewRetryable("busy")
	tests := []struct {
		name      string
		retry     int
		results   []error
		wantCalls int
		wantErr   bool
	}{
		{"always failing runs retry plus one", 2, []error{retry}, 3, true},
		{"zero retries runs once", 0, []error{retry}, 1, true},
		{"succeeds on second attempt", 3, []error{retry, nil}, 2, false},
		{"non retryable stops at once", 5, []error{errors.New("boom")}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newStub("a", tt.results...)
			ic := domain.NewInvocationContext("w1")
			ic.Retry = tt.retry
			_, err := Compose(ic).Execute(context.Background(), candidates(f), ic, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if f.calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", f.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	f := newStub("a", faults.NewRetryable("busy"))
	ic := domain.NewInvocationContext("w1")
	ic.Retry = 10
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Compose(ic).Execute(ctx, candidates(f), ic, nil); !faults.IsRetryable(err) {
		t.Fatalf("expected the retryable failure, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("calls = %d, want 1", f.calls)
	}
}

func TestRetryErrorIsAssociated(t *testing.T) {
	f := newStub("a", faults.NewRetryable("busy"))
	ic := domain.NewInvocationContext("w1")
	_, err := Compose(ic).Execute(context.Background(), candidates(f), ic, nil)
	var fe *faults.Error
	if !errors.As(err, &fe) || fe.FitableID != f.id.String() {
		t.Fatalf("expected error associated with %s, got %v", f.id, err)
	}
}

func TestDegradationChain(t *testing.T) {
	a := newStub("a", faults.NewDegradable("overloaded"))
	b := newStub("b", faults.NewDegradable("overloaded"))
	c := newStub("c")
	a.next, b.next = b, c

	ic := domain.NewInvocationContext("w1")
	ic.Degradable = true
	got, err := Compose(ic).Execute(context.Background(), candidates(a), ic, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got != "c" {
		t.Fatalf("result = %v, want c", got)
	}
	if a.calls != 1 || b.calls != 1 || c.calls != 1 {
		t.Fatalf("calls = %d/%d/%d, want one each", a.calls, b.calls, c.calls)
	}
}

func TestDegradationCycleTerminates(t *testing.T) {
	a := newStub("a", faults.NewDegradable("overloaded"))
	b := newStub("b", faults.NewDegradable("overloaded"))
	a.next, b.next = b, a

	ic := domain.NewInvocationContext("w1")
	ic.Degradable = true
	_, err := Compose(ic).Execute(context.Background(), candidates(a), ic, nil)
	if !faults.IsDegradable(err) {
		t.Fatalf("expected the last degradable failure, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls = %d/%d, want one each", a.calls, b.calls)
	}
}

func TestDegradationDisabledReturnsFailure(t *testing.T) {
	a := newStub("a", faults.NewDegradable("overloaded"))
	a.next = newStub("b")
	ic := domain.NewInvocationContext("w1")
	if _, err := Compose(ic).Execute(context.Background(), candidates(a), ic, nil); !faults.IsDegradable(err) {
		t.Fatalf("expected degradable failure, got %v", err)
	}
	if a.next.calls != 0 {
		t.Fatal("sibling should not run when degradation is off")
	}
}

func TestRetryInsideDegradation(t *testing.T) {
	// Retryable failures are not degradable: the walk stops at a.
	a := newStub("a", faults.NewRetryable("busy"))
	a.next = newStub("b")
	ic := domain.NewInvocationContext("w1")
	ic.Degradable = true
	ic.Retry = 1
	if _, err := Compose(ic).Execute(context.Background(), candidates(a), ic, nil); !faults.IsRetryable(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	if a.calls != 2 || a.next.calls != 0 {
		t.Fatalf("calls = %d/%d, want 2/0", a.calls, a.next.calls)
	}
}

func concat(acc, next any) any {
	s, _ := acc.(string)
	n, _ := next.(string)
	return s + "+" + n
}

func TestMulticastFoldsWithFailedBranch(t *testing.T) {
	a, b, c := newStub("a"), newStub("b", errors.New("down")), newStub("c")
	ic := domain.NewInvocationContext("w1").WithMulticast(concat)
	got, err := Compose(ic).Execute(context.Background(), candidates(a, b, c), ic, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got != "a++c" {
		t.Fatalf("result = %q, want a++c", got)
	}
}

func TestMulticastAllFailed(t *testing.T) {
	called := false
	ic := domain.NewInvocationContext("w1").WithMulticast(func(acc, next any) any {
		called = true
		return acc
	})
	got, err := Compose(ic).Execute(context.Background(), candidates(newStub("a", errors.New("x")), newStub("b", errors.New("y"))), ic, nil)
	if err != nil || got != nil {
		t.Fatalf("got %v, %v; want nil, nil", got, err)
	}
	if called {
		t.Fatal("reducer should not run when no branch succeeded")
	}
}

func TestMulticastRequiresReducer(t *testing.T) {
	ic := domain.NewInvocationContext("w1")
	ic.Communication = domain.Multicast
	_, err := Compose(ic).Execute(context.Background(), candidates(newStub("a")), ic, nil)
	if !faults.HasCode(err, faults.CodeMissingCollaborator) {
		t.Fatalf("expected missing collaborator, got %v", err)
	}
}

func TestMulticastReducerPanicIsFatalError(t *testing.T) {
	panicky := func(acc, next any) any { panic("bad reducer") }

	ic := domain.NewInvocationContext("w1").WithMulticast(panicky)
	_, err := Compose(ic).Execute(context.Background(), candidates(newStub("a"), newStub("b")), ic, nil)
	if !faults.HasCode(err, faults.CodeGeneral) || !faults.IsFatal(err) {
		t.Fatalf("expected a general error, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad reducer") {
		t.Fatalf("panic value missing from %q", err)
	}

	m := &TargetMulticast{Local: &recordingTarget{name: "l"}, Remote: &recordingTarget{name: "r"}}
	call := &Call{Fitable: newStub("a").id, Context: ic}
	_, err = m.Execute(context.Background(), call, []domain.Target{{WorkerID: "w1"}, {WorkerID: "w2"}})
	if !faults.HasCode(err, faults.CodeGeneral) {
		t.Fatalf("expected a general error from the target fold, got %v", err)
	}
}

type recordingTarget struct {
	name   string
	failOn string
	seen   []string
}

func (r *recordingTarget) ExecuteTarget(_ context.Context, _ *Call, t domain.Target) (any, error) {
	r.seen = append(r.seen, t.WorkerID)
	if t.WorkerID == r.failOn {
		return nil, errors.New("unreachable")
	}
	return r.name + ":" + t.WorkerID, nil
}

func TestTargetMulticastSplitsLocalAndRemote(t *testing.T) {
	local := &recordingTarget{name: "local"}
	remote := &recordingTarget{name: "remote", failOn: "w3"}
	m := &TargetMulticast{Local: local, Remote: remote}

	ic := domain.NewInvocationContext("w1").WithMulticast(func(acc, next any) any {
		s, _ := acc.(string)
		n, _ := next.(string)
		return s + "," + n
	})
	call := &Call{Fitable: newStub("a").id, Context: ic}
	targets := []domain.Target{{WorkerID: "w1"}, {WorkerID: "w2"}, {WorkerID: "w3"}}

	got, err := m.Execute(context.Background(), call, targets)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got != "local:w1,remote:w2," {
		t.Fatalf("result = %q", got)
	}
	if !reflect.DeepEqual(local.seen, []string{"w1"}) || !reflect.DeepEqual(remote.seen, []string{"w2", "w3"}) {
		t.Fatalf("local %v remote %v", local.seen, remote.seen)
	}
}

var upperID = domain.FitableID{
	GenericableID:      "text.upper",
	GenericableVersion: "1.0.0",
	FitableID:          "default",
	FitableVersion:     "1.0.0",
}

func newLocal(t *testing.T) *Local {
	t.Helper()
	reg := localexec.NewRegistry()
	upper, err := localexec.NewFuncExecutor(upperID, func(s string, n int) (string, error) {
		return strings.Repeat(strings.ToUpper(s), n), nil
	})
	if err != nil {
		t.Fatalf("NewFuncExecutor failed: %v", err)
	}
	if err := reg.Register(upper); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return &Local{Executors: reg, Serializers: serialization.Default()}
}

func TestLocalExecuteTarget(t *testing.T) {
	l := newLocal(t)
	ic := domain.NewInvocationContext("w1")
	method := &domain.Method{
		Name:       "upper",
		ParamTypes: []reflect.Type{reflect.TypeOf(""), reflect.TypeOf(0)},
		ReturnType: reflect.TypeOf(""),
	}

	got, err := l.ExecuteTarget(context.Background(), &Call{Fitable: upperID, Method: method, Context: ic, Args: []any{"ab", 2}}, domain.Target{})
	if err != nil || got != "ABAB" {
		t.Fatalf("got %v, %v", got, err)
	}

	// A generic call carries dynamically typed values: the JSON number
	// arrives as float64 and must be normalized to int.
	got, err = l.ExecuteTarget(context.Background(), &Call{Fitable: upperID, Context: ic, Args: []any{"ab", float64(3)}}, domain.Target{})
	if err != nil || got != "ABABAB" {
		t.Fatalf("generic got %v, %v", got, err)
	}

	missing := upperID
	missing.FitableID = "missing"
	_, err = l.ExecuteTarget(context.Background(), &Call{Fitable: missing, Context: ic}, domain.Target{})
	if !faults.HasCode(err, faults.CodeLocalNotFound) {
		t.Fatalf("expected local-not-found, got %v", err)
	}
}

// scriptedClient answers Send with the next scripted response.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*transport.Response
	errs      []error
	requests  []*transport.Request
}

func (c *scriptedClient) Protocols() []domain.Protocol { return []domain.Protocol{domain.ProtocolHTTP} }
func (c *scriptedClient) Close() error                 { return nil }

func (c *scriptedClient) Send(_ context.Context, _ domain.Protocol, _ string, req *transport.Request) (*transport.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *req
	c.requests = append(c.requests, &cp)
	i := len(c.requests) - 1
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return c.responses[len(c.responses)-1], nil
	}
	return c.responses[i], nil
}

type countingAuth struct {
	token     string
	refreshes int
}

func (a *countingAuth) CurrentToken(context.Context) (string, error) { return a.token, nil }

func (a *countingAuth) Refresh(context.Context, time.Time) (string, error) {
	a.refreshes++
	a.token = "fresh"
	return a.token, nil
}

func okResponse(payload string) *transport.Response {
	return &transport.Response{
		Metadata: transport.ResponseMetadata{Status: transport.StatusOK, Format: domain.FormatJSON},
		Payload:  []byte(payload),
	}
}

func authRejected() *transport.Response {
	return &transport.Response{Metadata: transport.ResponseMetadata{
		Status: transport.StatusAuthInvalid,
		Format: domain.FormatJSON,
		Error:  &transport.ErrorPayload{Code: int32(faults.CodeAuthInvalid), Message: "expired"},
	}}
}

var remoteTarget = domain.Target{
	WorkerID:  "w2",
	Host:      "10.0.0.2",
	Endpoints: []domain.Endpoint{{Protocol: domain.ProtocolGRPC, Port: 9000}, {Protocol: domain.ProtocolHTTP, Port: 8080}},
	Formats:   []domain.Format{domain.FormatProtobuf, domain.FormatJSON},
}

func remoteCall() *Call {
	return &Call{
		Fitable: upperID,
		Method: &domain.Method{
			ParamTypes: []reflect.Type{reflect.TypeOf("")},
			ReturnType: reflect.TypeOf(""),
		},
		Context: domain.NewInvocationContext("w1"),
		Args:    []any{"x"},
	}
}

func TestRemoteNegotiatesEndpointAndFormat(t *testing.T) {
	client := &scriptedClient{responses: []*transport.Response{okResponse(`"X"`)}}
	r := NewRemote(RemoteOptions{
		Clients:     transport.NewClients(client),
		Serializers: serialization.NewRegistry(serialization.NewJSON()),
	})
	call := remoteCall()
	call.Context.Extensions = map[string]string{"tenant": "acme"}
	call.Context.Timeout = 2 * time.Second

	got, err := r.ExecuteTarget(context.Background(), call, remoteTarget)
	if err != nil || got != "X" {
		t.Fatalf("got %v, %v", got, err)
	}
	md := client.requests[0].Metadata
	if md.Format != domain.FormatJSON || md.Timeout != 2*time.Second || md.Fitable != upperID {
		t.Fatalf("unexpected request metadata %+v", md)
	}
	tags, err := transport.DecodeTagValues(md.TagValues)
	if err != nil || tags["tenant"] != "acme" {
		t.Fatalf("tags = %v, %v", tags, err)
	}
}

func TestRemoteRefreshesTokenOnce(t *testing.T) {
	tests := []struct {
		name          string
		responses     []*transport.Response
		wantSends     int
		wantRefreshes int
		wantAuthErr   bool
	}{
		{"accepted after refresh", []*transport.Response{authRejected(), okResponse(`"X"`)}, 2, 1, false},
		{"rejected twice", []*transport.Response{authRejected(), authRejected(), okResponse(`"X"`)}, 2, 1, true},
		{"accepted at once", []*transport.Response{okResponse(`"X"`)}, 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{responses: tt.responses}
			a := &countingAuth{token: "stale"}
			r := NewRemote(RemoteOptions{
				Clients:     transport.NewClients(client),
				Serializers: serialization.NewRegistry(serialization.NewJSON()),
				Auth:        a,
			})
			_, err := r.ExecuteTarget(context.Background(), remoteCall(), remoteTarget)
			if tt.wantAuthErr != faults.HasCode(err, faults.CodeAuthInvalid) {
				t.Fatalf("err = %v, want auth error %v", err, tt.wantAuthErr)
			}
			if !tt.wantAuthErr && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if len(client.requests) != tt.wantSends || a.refreshes != tt.wantRefreshes {
				t.Fatalf("sends = %d refreshes = %d, want %d/%d", len(client.requests), a.refreshes, tt.wantSends, tt.wantRefreshes)
			}
			if client.requests[0].Metadata.AccessToken != "stale" {
				t.Fatalf("first send token = %q", client.requests[0].Metadata.AccessToken)
			}
			if tt.wantSends > 1 && client.requests[1].Metadata.AccessToken != "fresh" {
				t.Fatalf("resend token = %q", client.requests[1].Metadata.AccessToken)
			}
		})
	}
}

func TestRemoteTranslatesFailures(t *testing.T) {
	client := &scriptedClient{responses: []*transport.Response{{
		Metadata: transport.ResponseMetadata{
			Status: transport.Status(faults.CodeRetryable),
			Error:  &transport.ErrorPayload{Code: int32(faults.CodeRetryable), Message: "busy"},
		},
	}}}
	r := NewRemote(RemoteOptions{Clients: transport.NewClients(client), Serializers: serialization.NewRegistry(serialization.NewJSON())})
	_, err := r.ExecuteTarget(context.Background(), remoteCall(), remoteTarget)
	if !faults.IsRetryable(err) {
		t.Fatalf("expected retryable translation, got %v", err)
	}
}

func TestRemoteWithoutClient(t *testing.T) {
	r := NewRemote(RemoteOptions{Clients: transport.NewClients(), Serializers: serialization.Default()})
	_, err := r.ExecuteTarget(context.Background(), remoteCall(), remoteTarget)
	if !faults.HasCode(err, faults.CodeClientNotFound) {
		t.Fatalf("expected client-not-found, got %v", err)
	}
}

func TestGenericRemoteSkipsStaticFormats(t *testing.T) {
	client := &scriptedClient{responses: []*transport.Response{okResponse(`{"n":1}`)}}
	r := NewGenericRemote(RemoteOptions{Clients: transport.NewClients(client), Serializers: serialization.Default()})
	call := remoteCall()
	call.Method = nil

	got, err := r.ExecuteTarget(context.Background(), call, remoteTarget)
	if err != nil {
		t.Fatalf("ExecuteTarget failed: %v", err)
	}
	if client.requests[0].Metadata.Format != domain.FormatJSON {
		t.Fatalf("generic call sent format %s", client.requests[0].Metadata.Format)
	}
	if m, ok := got.(map[string]any); !ok || m["n"] != float64(1) {
		t.Fatalf("result = %#v", got)
	}

	protoOnly := remoteTarget.Clone()
	protoOnly.Formats = []domain.Format{domain.FormatProtobuf}
	if _, err := r.ExecuteTarget(context.Background(), call, protoOnly); !faults.HasCode(err, faults.CodeSerializerNotFound) {
		t.Fatalf("expected serializer-not-found, got %v", err)
	}
}

func TestRemoteHonoursHalfOpenProbeLimit(t *testing.T) {
	health := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: time.Second,
		OpenDuration:   20 * time.Millisecond,
		HalfOpenProbes: 1,
	}, nil)
	health.Record(remoteTarget.WorkerID, false)

	client := &scriptedClient{responses: []*transport.Response{okResponse(`"X"`)}}
	r := NewRemote(RemoteOptions{
		Clients:     transport.NewClients(client),
		Serializers: serialization.NewRegistry(serialization.NewJSON()),
		Health:      health,
	})

	_, err := r.ExecuteTarget(context.Background(), remoteCall(), remoteTarget)
	if !faults.IsRetryable(err) {
		t.Fatalf("open breaker should refuse with a retryable error, got %v", err)
	}
	if len(client.requests) != 0 {
		t.Fatalf("open breaker let %d requests through", len(client.requests))
	}

	time.Sleep(40 * time.Millisecond)
	// Take the only probe slot, as a concurrent caller would.
	if !health.Acquire(remoteTarget.WorkerID) {
		t.Fatal("expected one probe slot after the open period")
	}
	if _, err := r.ExecuteTarget(context.Background(), remoteCall(), remoteTarget); err == nil {
		t.Fatal("second request during the probe should be refused")
	}
	if len(client.requests) != 0 {
		t.Fatalf("half-open breaker let %d extra requests through", len(client.requests))
	}

	health.Record(remoteTarget.WorkerID, true)
	if _, err := r.ExecuteTarget(context.Background(), remoteCall(), remoteTarget); err != nil {
		t.Fatalf("closed breaker should admit the call: %v", err)
	}
	if len(client.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(client.requests))
	}
}
