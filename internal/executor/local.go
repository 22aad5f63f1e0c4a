package executor

import (
	"context"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/localexec"
	"github.com/oriys/orbit/internal/serialization"
)

// Local invokes the in-process executor of a fitable. Generic calls are
// first normalized through a generic serializer so dynamically typed
// arguments arrive as the executor's declared parameter types, and the
// result leaves as a dynamic value, just as over the wire.
type Local struct {
	Executors   *localexec.Registry
	Serializers *serialization.Registry
}

// ExecuteTarget implements TargetExecutor. The target is ignored.
func (l *Local) ExecuteTarget(ctx context.Context, call *Call, _ domain.Target) (any, error) {
	exec, ok := l.Executors.Get(call.Fitable)
	if !ok {
		return nil, faults.AssociateFitable(
			faults.Newf(faults.CodeLocalNotFound, "no local executor for %s", call.Fitable), call.Fitable.String())
	}
	if call.Generic() {
		return l.normalized(ctx, call, exec)
	}
	result, err := exec.Invoke(ctx, call.Args)
	if err != nil {
		return nil, faults.AssociateFitable(err, call.Fitable.String())
	}
	return result, nil
}

func (l *Local) normalized(ctx context.Context, call *Call, exec *localexec.Executor) (any, error) {
	fid := call.Fitable.String()
	ser, ok := l.Serializers.FirstGeneric()
	if !ok {
		return nil, faults.AssociateFitable(
			faults.New(faults.CodeSerializerNotFound, "no generic serializer for local round trip"), fid)
	}

	data, err := ser.SerializeRequest(nil, call.Args)
	if err != nil {
		return nil, faults.AssociateFitable(faults.Wrap(faults.CodeSerialization, err, "encode arguments"), fid)
	}
	args, err := ser.DeserializeRequest(exec.ParamTypes(), data)
	if err != nil {
		return nil, faults.AssociateFitable(faults.Wrap(faults.CodeArgumentMismatch, err, "decode arguments"), fid)
	}

	result, err := exec.Invoke(ctx, args)
	if err != nil {
		return nil, faults.AssociateFitable(err, fid)
	}

	out, err := ser.SerializeResponse(exec.ReturnType(), result)
	if err != nil {
		return nil, faults.AssociateFitable(faults.Wrap(faults.CodeSerialization, err, "encode result"), fid)
	}
	value, err := ser.DeserializeResponse(nil, out)
	if err != nil {
		return nil, faults.AssociateFitable(faults.Wrap(faults.CodeSerialization, err, "decode result"), fid)
	}
	return value, nil
}
