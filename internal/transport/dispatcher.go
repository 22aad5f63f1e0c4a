package transport

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/localexec"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/observability"
	"github.com/oriys/orbit/internal/serialization"
)

// TokenValidator checks bearer tokens on inbound requests.
type TokenValidator interface {
	Validate(token string) error
}

// Dispatcher executes inbound envelopes against the local executors.
type Dispatcher struct {
	executors   *localexec.Registry
	serializers *serialization.Registry
	validator   TokenValidator
}

// NewDispatcher creates a dispatcher. A nil validator accepts every request.
func NewDispatcher(executors *localexec.Registry, serializers *serialization.Registry, validator TokenValidator) *Dispatcher {
	return &Dispatcher{
		executors:   executors,
		serializers: serializers,
		validator:   validator,
	}
}

// Dispatch runs req and always returns a response envelope; failures are
// reported in the response metadata.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	md := req.Metadata
	fitable := md.Fitable.String()

	ctx, span := observability.StartServerSpan(ctx, "orbit.dispatch",
		observability.AttrFitableID.String(fitable),
		observability.AttrFormat.String(md.Format.String()),
	)
	resp := d.dispatch(ctx, req)
	if resp.Metadata.Error != nil {
		span.SetAttributes(attribute.Int64("orbit.status", int64(resp.Metadata.Status)))
		observability.SetSpanError(span, errors.New(resp.Metadata.Error.Message))
	}
	span.End()
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req *Request) *Response {
	md := req.Metadata
	fitable := md.Fitable.String()

	if d.validator != nil {
		if err := d.validator.Validate(md.AccessToken); err != nil {
			logging.OpCtx(ctx).Debug("inbound token rejected", "fitable", fitable, "error", err)
			return failure(md, faults.Wrap(faults.CodeAuthInvalid, err, "access token rejected"))
		}
	}

	exec, ok := d.executors.Get(md.Fitable)
	if !ok || exec.IsMicro() {
		return failure(md, faults.Newf(faults.CodeLocalNotFound, "no local executor for %s", fitable))
	}
	ser, ok := d.serializers.Get(md.Format)
	if !ok {
		return failure(md, faults.Newf(faults.CodeSerializerNotFound, "format %s not supported", md.Format))
	}

	args, err := ser.DeserializeRequest(exec.ParamTypes(), req.Payload)
	if err != nil {
		return failure(md, faults.Wrap(faults.CodeSerialization, err, "decode arguments"))
	}

	if md.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, md.Timeout)
		defer cancel()
	}

	result, err := exec.Invoke(ctx, args)
	if err != nil {
		logging.OpCtx(ctx).Debug("inbound invocation failed", "fitable", fitable, "error", err)
		return failure(md, err)
	}

	payload, err := ser.SerializeResponse(exec.ReturnType(), result)
	if err != nil {
		return failure(md, faults.Wrap(faults.CodeSerialization, err, "encode result"))
	}
	return &Response{
		Metadata: ResponseMetadata{Status: StatusOK, Format: md.Format},
		Payload:  payload,
	}
}

func failure(md RequestMetadata, err error) *Response {
	payload := &ErrorPayload{
		Code:          int32(faults.CodeGeneral),
		Message:       err.Error(),
		GenericableID: md.Fitable.GenericableID,
		FitableID:     md.Fitable.FitableID,
	}
	var fe *faults.Error
	if errors.As(err, &fe) {
		payload.Code = int32(fe.Code)
		if fe.Message != "" {
			payload.Message = fe.Message
		}
		payload.Properties = fe.Properties
	} else if faults.IsRetryable(err) {
		payload.Code = int32(faults.CodeRetryable)
	} else if faults.IsDegradable(err) {
		payload.Code = int32(faults.CodeDegradable)
	}
	return &Response{
		Metadata: ResponseMetadata{
			Status: Status(payload.Code),
			Format: md.Format,
			Error:  payload,
		},
	}
}
