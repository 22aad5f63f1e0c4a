package executor

import (
	"context"
	"reflect"
	"time"

	"github.com/oriys/orbit/internal/auth"
	"github.com/oriys/orbit/internal/circuitbreaker"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/observability"
	"github.com/oriys/orbit/internal/serialization"
	"github.com/oriys/orbit/internal/translator"
	"github.com/oriys/orbit/internal/transport"
)

// RemoteOptions are the collaborators of the remote executors. Auth and
// Health are optional.
type RemoteOptions struct {
	Clients     *transport.Clients
	Serializers *serialization.Registry
	Auth        auth.Authenticator
	Translator  *translator.Translator
	Health      *circuitbreaker.Registry
}

// Remote sends a call to a remote target. A response rejecting the
// access token triggers one token refresh and one resend.
type Remote struct {
	opts    RemoteOptions
	generic bool
}

// NewRemote creates the executor for calls with a bound method.
func NewRemote(opts RemoteOptions) *Remote {
	if opts.Translator == nil {
		opts.Translator = translator.New()
	}
	return &Remote{opts: opts}
}

// NewGenericRemote creates the executor for calls without a bound method:
// only self-describing formats are negotiated and values cross the wire
// without static types.
func NewGenericRemote(opts RemoteOptions) *Remote {
	r := NewRemote(opts)
	r.generic = true
	return r
}

// ExecuteTarget implements TargetExecutor.
func (r *Remote) ExecuteTarget(ctx context.Context, call *Call, target domain.Target) (any, error) {
	fid := call.Fitable.String()
	ic := call.Context

	ep, client, ok := r.endpoint(target)
	if !ok {
		return nil, faults.AssociateFitable(
			faults.Newf(faults.CodeClientNotFound, "no client for any endpoint of worker %s", target.WorkerID), fid)
	}
	ser, ok := r.serializer(target, ic.Format)
	if !ok {
		return nil, faults.AssociateFitable(
			faults.Newf(faults.CodeSerializerNotFound, "no serializer for the formats of worker %s", target.WorkerID), fid)
	}

	paramTypes, returnType := call.paramTypes(), call.returnType()
	if r.generic {
		paramTypes, returnType = nil, nil
	}
	payload, err := ser.SerializeRequest(paramTypes, call.Args)
	if err != nil {
		return nil, faults.AssociateFitable(faults.Wrap(faults.CodeSerialization, err, "encode arguments"), fid)
	}

	req := &transport.Request{
		Metadata: transport.RequestMetadata{
			Format:    ser.Format(),
			Fitable:   call.Fitable,
			TagValues: transport.EncodeTagValues(ic.Extensions),
			Timeout:   ic.Timeout,
		},
		Payload: payload,
	}
	if r.opts.Auth != nil {
		token, err := r.opts.Auth.CurrentToken(ctx)
		if err != nil {
			return nil, faults.AssociateFitable(faults.Wrap(faults.CodeAuthInvalid, err, "obtain access token"), fid)
		}
		req.Metadata.AccessToken = token
	}

	ctx, span := observability.StartClientSpan(ctx, "orbit.remote",
		observability.AttrFitableID.String(fid),
		observability.AttrWorkerID.String(target.WorkerID),
		observability.AttrProtocol.String(ep.Protocol.String()),
		observability.AttrFormat.String(ser.Format().String()),
	)
	result, err := r.exchange(ctx, call, target, ep, client, req, returnType)
	observability.EndSpan(span, err)
	return result, err
}

func (r *Remote) exchange(ctx context.Context, call *Call, target domain.Target, ep domain.Endpoint, client transport.Client, req *transport.Request, returnType reflect.Type) (any, error) {
	fid := call.Fitable.String()
	resp, err := r.send(ctx, client, target, ep, req)
	if err != nil {
		return nil, faults.AssociateFitable(err, fid)
	}

	if resp.Metadata.Status == transport.StatusAuthInvalid {
		if r.opts.Auth == nil {
			return nil, faults.NewAuthInvalid(fid)
		}
		token, err := r.opts.Auth.Refresh(ctx, time.Now())
		if err != nil {
			return nil, faults.AssociateFitable(faults.Wrap(faults.CodeAuthInvalid, err, "refresh access token"), fid)
		}
		logging.OpCtx(ctx).Info("access token rejected, resending with refreshed token", "fitable", fid, "worker", target.WorkerID)
		req.Metadata.AccessToken = token

		resp, err = r.send(ctx, client, target, ep, req)
		if err != nil {
			return nil, faults.AssociateFitable(err, fid)
		}
		accepted := resp.Metadata.Status != transport.StatusAuthInvalid
		metrics.Global().RecordAuthRefresh(accepted)
		if !accepted {
			return nil, faults.NewAuthInvalid(fid)
		}
	}

	if !resp.OK() {
		return nil, faults.AssociateFitable(r.translate(call, resp), fid)
	}

	ser, ok := r.opts.Serializers.Get(resp.Metadata.Format)
	if !ok {
		ser, _ = r.opts.Serializers.Get(req.Metadata.Format)
	}
	value, err := ser.DeserializeResponse(returnType, resp.Payload)
	if err != nil {
		return nil, faults.AssociateFitable(faults.Wrap(faults.CodeSerialization, err, "decode result"), fid)
	}
	return value, nil
}

func (r *Remote) send(ctx context.Context, client transport.Client, target domain.Target, ep domain.Endpoint, req *transport.Request) (*transport.Response, error) {
	if !r.opts.Health.Acquire(target.WorkerID) {
		metrics.RecordRemoteRequest(ep.Protocol.String(), req.Metadata.Format.String(), "circuit_open", 0)
		return nil, faults.Newf(faults.CodeTransport, "worker %s is not accepting requests", target.WorkerID)
	}
	start := time.Now()
	resp, err := client.Send(ctx, ep.Protocol, target.Address(ep), req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		r.opts.Health.Record(target.WorkerID, false)
		metrics.RecordRemoteRequest(ep.Protocol.String(), req.Metadata.Format.String(), "transport_error", elapsed)
		return nil, err
	}
	r.opts.Health.Record(target.WorkerID, true)
	status := "ok"
	if !resp.OK() {
		status = faults.Code(resp.Metadata.Status).String()
	}
	metrics.RecordRemoteRequest(ep.Protocol.String(), req.Metadata.Format.String(), status, elapsed)
	return resp, nil
}

func (r *Remote) translate(call *Call, resp *transport.Response) error {
	remote := translator.Remote{
		Code:          int32(resp.Metadata.Status),
		GenericableID: call.Fitable.GenericableID,
		FitableID:     call.Fitable.String(),
	}
	if p := resp.Metadata.Error; p != nil {
		remote.Code = p.Code
		remote.Message = p.Message
		remote.Properties = p.Properties
	}
	return r.opts.Translator.Translate(remote)
}

// endpoint picks the first endpoint some client speaks.
func (r *Remote) endpoint(target domain.Target) (domain.Endpoint, transport.Client, bool) {
	for _, ep := range target.Endpoints {
		if c, ok := r.opts.Clients.For(ep.Protocol); ok {
			return ep, c, true
		}
	}
	return domain.Endpoint{}, nil, false
}

// serializer picks the first target format a local serializer handles,
// restricted to the preferred format when set and to self-describing
// formats for generic calls.
func (r *Remote) serializer(target domain.Target, preferred domain.Format) (serialization.Serializer, bool) {
	for _, f := range target.Formats {
		if preferred != domain.FormatUnknown && f != preferred {
			continue
		}
		if r.generic && !domain.IsGenericFormat(f) {
			continue
		}
		if s, ok := r.opts.Serializers.Get(f); ok {
			return s, true
		}
	}
	return nil, false
}
