package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/sweeper/internal/instrument"
	"github.com/banshee-data/sweeper/internal/monitoring"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// ServiceName is the fully qualified gRPC service name. Every method takes
// and returns a google.protobuf.Struct holding the JSON form of its
// arguments and result.
const ServiceName = "sweeper.v1.Control"

// Request payloads.
type (
	idRequest struct {
		ID string `json:"id"`
	}
	createRequest struct {
		Definition sweep.Definition `json:"definition"`
		Start      bool             `json:"start"`
	}
	contextRequest struct {
		Database   string `json:"database"`
		Experiment string `json:"experiment"`
		Sample     string `json:"sample"`
	}
	dequeueRequest struct {
		EntryID string `json:"entry_id"`
	}
	planRequest struct {
		Plan Plan `json:"plan"`
	}
)

// Response payloads that wrap lists.
type (
	listResponse struct {
		Sweeps []sweep.Info `json:"sweeps"`
	}
	entriesResponse struct {
		Entries []sweep.EntryInfo `json:"entries"`
	}
	paramsResponse struct {
		Params []instrument.ParamInfo `json:"params"`
	}
	removeResponse struct {
		Removed string `json:"removed"`
	}
)

// controlServer is the handler type of the service descriptor.
type controlServer interface {
	call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

type methodFunc func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error)

// stateAction runs fn on the sweep named in the request and returns the
// sweep's view afterwards.
func stateAction(fn func(m *Manager, id string) error) methodFunc {
	return func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		var r idRequest
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		if err := fn(m, r.ID); err != nil {
			return nil, err
		}
		return m.Status(r.ID)
	}
}

func queueAction(fn func(m *Manager) error) methodFunc {
	return func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		if err := fn(m); err != nil {
			return nil, err
		}
		return m.QueueStatus(), nil
	}
}

var methods = map[string]methodFunc{
	"Create": func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		var r createRequest
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		info, err := m.Create(r.Definition)
		if err != nil || !r.Start {
			return info, err
		}
		if err := m.Start(info.ID); err != nil {
			return nil, err
		}
		return m.Status(info.ID)
	},
	"Start":      stateAction((*Manager).Start),
	"Pause":      stateAction((*Manager).Pause),
	"Resume":     stateAction((*Manager).Resume),
	"Kill":       stateAction((*Manager).Kill),
	"ClearError": stateAction((*Manager).ClearError),
	"Status":     stateAction(func(*Manager, string) error { return nil }),
	"List": func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		return listResponse{Sweeps: m.List()}, nil
	},
	"Export": func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		var r idRequest
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		return m.Export(r.ID)
	},
	"Remove": func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		var r idRequest
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		if err := m.Remove(r.ID); err != nil {
			return nil, err
		}
		return removeResponse{Removed: r.ID}, nil
	},
	"Enqueue": func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		var r idRequest
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		return m.Enqueue(r.ID)
	},
	"EnqueueContext": func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		var r contextRequest
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		return m.EnqueueContext(r.Database, r.Experiment, r.Sample), nil
	},
	"Dequeue": func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		var r dequeueRequest
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		if err := m.Dequeue(r.EntryID); err != nil {
			return nil, err
		}
		return m.QueueStatus(), nil
	},
	"LoadPlan": func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		var r planRequest
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		entries, err := m.LoadPlan(&r.Plan)
		if err != nil {
			return nil, err
		}
		return entriesResponse{Entries: entries}, nil
	},
	"QueueStart":  queueAction((*Manager).QueueStart),
	"QueuePause":  queueAction((*Manager).QueuePause),
	"QueueResume": queueAction((*Manager).QueueResume),
	"QueueKill":   queueAction((*Manager).QueueKill),
	"QueueStatus": queueAction(func(*Manager) error { return nil }),
	"Params": func(m *Manager, ctx context.Context, req *structpb.Struct) (any, error) {
		params, err := m.Params(ctx)
		if err != nil {
			return nil, err
		}
		return paramsResponse{Params: params}, nil
	},
}

var serviceDesc = buildServiceDesc()

func buildServiceDesc() grpc.ServiceDesc {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)

	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*controlServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "sweeper/v1/control.proto",
	}
	for _, name := range names {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)})
	}
	return desc
}

func unaryHandler(name string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, req any) (any, error) {
			return srv.(controlServer).call(ctx, name, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		return interceptor(ctx, in, info, handle)
	}
}

// Service exposes a Manager over gRPC.
type Service struct {
	m *Manager
}

var _ controlServer = (*Service)(nil)

// NewService returns a service backed by m.
func NewService(m *Manager) *Service {
	return &Service{m: m}
}

// Register adds the service to srv.
func (s *Service) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, s)
}

func (s *Service) call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	fn, ok := methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	out, err := fn(s.m, ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := encode(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode %s response: %v", method, err)
	}
	return resp, nil
}

// Serve runs a gRPC server for s on lis until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	s.Register(srv)

	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[control] gRPC server listening on %s", lis.Addr())
		errc <- srv.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("[control] stopping gRPC server")
	srv.GracefulStop()
	if err := <-errc; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// toStatus maps engine errors to gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.FailedPrecondition
	switch {
	case errors.Is(err, sweep.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, sweep.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, sweep.ErrConcurrency):
		code = codes.Aborted
	}
	return status.Error(code, err.Error())
}

// fromStatus turns a gRPC error back into one matching the engine's
// sentinels.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), sweep.ErrNotFound)
	case codes.InvalidArgument:
		return fmt.Errorf("%s: %w", st.Message(), sweep.ErrValidation)
	case codes.Aborted:
		return fmt.Errorf("%s: %w", st.Message(), sweep.ErrConcurrency)
	case codes.FailedPrecondition:
		return errors.New(st.Message())
	}
	return err
}

func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	b, err := in.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}
