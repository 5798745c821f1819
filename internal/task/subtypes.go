package task

import (
	"context"
	"fmt"
)

// computationExecutor runs a pure function over cfg.Params and returns its
// output as the result data. Grounded on the coordinator package's wave
// "compute" step shape: no external side effects, synchronous, cancellable
// only between invocations (there is no partial-computation checkpoint).
type computationExecutor struct {
	run func(ctx context.Context, cfg Config) (any, error)
}

func (e *computationExecutor) ExecuteTask(ctx context.Context, cfg Config) (Result, error) {
	if e.run == nil {
		return Result{Success: true, Data: cfg.Params}, nil
	}
	data, err := e.run(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Data: data}, nil
}

func (e *computationExecutor) CancelTask(ctx context.Context) error  { return nil }
func (e *computationExecutor) CleanupTask(ctx context.Context) error { return nil }

// NewComputationTask builds a Task whose ExecuteTask override runs a plain
// function with no I/O, e.g. aggregation or transform work.
func NewComputationTask(cfg Config, run func(ctx context.Context, cfg Config) (any, error), handler Handler) *Task {
	return New(cfg, &computationExecutor{run: run}, handler)
}

// communicationExecutor dispatches cfg to a remote peer (another agent, an
// external service) via an injected send function. Grounded on the
// gateway package's request/response round trip, generalized to an
// arbitrary agent-to-agent or agent-to-tool call.
type communicationExecutor struct {
	send   func(ctx context.Context, cfg Config) (any, error)
	cancel func(ctx context.Context) error
}

func (e *communicationExecutor) ExecuteTask(ctx context.Context, cfg Config) (Result, error) {
	if e.send == nil {
		return Result{}, fmt.Errorf("communication task %s has no send function configured", cfg.ID)
	}
	data, err := e.send(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Data: data}, nil
}

func (e *communicationExecutor) CancelTask(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	return e.cancel(ctx)
}

func (e *communicationExecutor) CleanupTask(ctx context.Context) error { return nil }

// NewCommunicationTask builds a Task whose ExecuteTask override performs a
// request/response exchange with another agent or external collaborator.
func NewCommunicationTask(cfg Config, send func(ctx context.Context, cfg Config) (any, error), cancel func(ctx context.Context) error, handler Handler) *Task {
	return New(cfg, &communicationExecutor{send: send, cancel: cancel}, handler)
}

// storageExecutor persists or retrieves cfg.Params via an injected backing
// capability (cache/store), returning whatever the operation yields.
// Grounded on internal/persistence's Store/Cache capability shape.
type storageExecutor struct {
	op      func(ctx context.Context, cfg Config) (any, error)
	cleanup func(ctx context.Context) error
}

func (e *storageExecutor) ExecuteTask(ctx context.Context, cfg Config) (Result, error) {
	if e.op == nil {
		return Result{}, fmt.Errorf("storage task %s has no operation configured", cfg.ID)
	}
	data, err := e.op(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Data: data}, nil
}

func (e *storageExecutor) CancelTask(ctx context.Context) error { return nil }

func (e *storageExecutor) CleanupTask(ctx context.Context) error {
	if e.cleanup == nil {
		return nil
	}
	return e.cleanup(ctx)
}

// NewStorageTask builds a Task whose ExecuteTask override reads or writes
// through a persistence capability.
func NewStorageTask(cfg Config, op func(ctx context.Context, cfg Config) (any, error), cleanup func(ctx context.Context) error, handler Handler) *Task {
	return New(cfg, &storageExecutor{op: op, cleanup: cleanup}, handler)
}

// Concrete task type discriminators (SPEC_FULL §6).
const (
	TypeComputation   = "computation"
	TypeCommunication = "communication"
	TypeStorage       = "storage"
)

// Factory builds the send/run/op functions a concrete task type needs, by
// discriminator. A caller registers these closures once per task type it
// supports; NewFromType dispatches cfg.Type to the matching constructor.
type Factory struct {
	Computation         func(ctx context.Context, cfg Config) (any, error)
	Communication       func(ctx context.Context, cfg Config) (any, error)
	CommunicationCancel func(ctx context.Context) error
	Storage             func(ctx context.Context, cfg Config) (any, error)
	StorageCleanup      func(ctx context.Context) error
}

// NewFromType dispatches on cfg.Type to the matching concrete subtype
// constructor, per SPEC_FULL §6's three named task types.
func (f *Factory) NewFromType(cfg Config, handler Handler) (*Task, error) {
	switch cfg.Type {
	case TypeComputation:
		return NewComputationTask(cfg, f.Computation, handler), nil
	case TypeCommunication:
		return NewCommunicationTask(cfg, f.Communication, f.CommunicationCancel, handler), nil
	case TypeStorage:
		return NewStorageTask(cfg, f.Storage, f.StorageCleanup, handler), nil
	default:
		return nil, fmt.Errorf("unknown task type: %s", cfg.Type)
	}
}
