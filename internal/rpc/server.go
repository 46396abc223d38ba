// Package rpc exposes the coordination operations over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP API, so
// no generated code is needed on either side.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/pkg/models"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "taskcoord.v1.Coordinator"

// Method names.
const (
	MethodGetOutbox        = "GetOutbox"
	MethodCreateTask       = "CreateTask"
	MethodTransitionTask   = "TransitionTask"
	MethodPromoteToHistory = "PromoteToHistory"
	MethodValidateOutbox   = "ValidateOutbox"
	MethodSprintProgress   = "SprintProgress"
)

// Coordinator is the subset of coord.Service served over gRPC.
type Coordinator interface {
	GetAgentOutbox(ctx context.Context, agentID string) (*models.Outbox, error)
	CreateTask(ctx context.Context, agentID string, spec models.TaskSpec) (string, error)
	TransitionTask(ctx context.Context, agentID, taskID string, to models.Status) (*models.Task, error)
	PromoteToHistory(ctx context.Context, agentID, taskID string, spec models.HistorySpec) (*models.HistoryEntry, error)
	ValidateOutbox(ctx context.Context, agentID string) (outbox.ValidationErrors, error)
	ComputeSprintProgress(ctx context.Context, agentIDs []string) (*models.SprintProgress, error)
	ComputeAllProgress(ctx context.Context) (*models.SprintProgress, error)
}

// Request and response shapes.
type (
	AgentRequest struct {
		AgentID string `json:"agent_id"`
	}
	CreateTaskRequest struct {
		AgentID string          `json:"agent_id"`
		Task    models.TaskSpec `json:"task"`
	}
	CreateTaskResponse struct {
		AgentID string `json:"agent_id"`
		TaskID  string `json:"task_id"`
	}
	TransitionRequest struct {
		AgentID string        `json:"agent_id"`
		TaskID  string        `json:"task_id"`
		Status  models.Status `json:"status"`
	}
	PromoteRequest struct {
		AgentID string             `json:"agent_id"`
		TaskID  string             `json:"task_id"`
		History models.HistorySpec `json:"history"`
	}
	ValidateResponse struct {
		AgentID    string                    `json:"agent_id"`
		Valid      bool                      `json:"valid"`
		Violations []*outbox.ValidationError `json:"violations"`
	}
	ProgressRequest struct {
		AgentIDs []string `json:"agent_ids,omitempty"`
		All      bool     `json:"all,omitempty"`
	}
)

// CoordinatorServer is the handler type registered for ServiceName.
type CoordinatorServer interface {
	GetOutbox(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransitionTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PromoteToHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateOutbox(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SprintProgress(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server adapts a Coordinator to CoordinatorServer.
type Server struct {
	svc Coordinator
}

var _ CoordinatorServer = (*Server)(nil)

func NewServer(svc Coordinator) *Server { return &Server{svc: svc} }

// Register adds the service to gs.
func Register(gs *grpc.Server, srv CoordinatorServer) {
	gs.RegisterService(&serviceDesc, srv)
}

// NewGRPCServer builds a grpc.Server with request logging and the service registered.
func NewGRPCServer(svc Coordinator, log *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = slog.Default()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(logInterceptor(log)))
	gs := grpc.NewServer(opts...)
	Register(gs, NewServer(svc))
	return gs
}

func logInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelInfo
		if status.Code(err) == codes.Internal {
			level = slog.LevelError
		}
		log.Log(ctx, level, "rpc",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds())
		return resp, err
	}
}

func (s *Server) GetOutbox(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AgentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	o, err := s.svc.GetAgentOutbox(ctx, req.AgentID)
	return reply(o, err)
}

func (s *Server) CreateTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateTaskRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	id, err := s.svc.CreateTask(ctx, req.AgentID, req.Task)
	return reply(CreateTaskResponse{AgentID: req.AgentID, TaskID: id}, err)
}

func (s *Server) TransitionTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TransitionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if st, ok := models.ParseStatus(string(req.Status)); ok {
		req.Status = st
	}
	t, err := s.svc.TransitionTask(ctx, req.AgentID, req.TaskID, req.Status)
	return reply(t, err)
}

func (s *Server) PromoteToHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PromoteRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	e, err := s.svc.PromoteToHistory(ctx, req.AgentID, req.TaskID, req.History)
	return reply(e, err)
}

func (s *Server) ValidateOutbox(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AgentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	errs, err := s.svc.ValidateOutbox(ctx, req.AgentID)
	if errs == nil {
		errs = outbox.ValidationErrors{}
	}
	return reply(ValidateResponse{AgentID: req.AgentID, Valid: len(errs) == 0, Violations: errs}, err)
}

func (s *Server) SprintProgress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ProgressRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	var (
		p   *models.SprintProgress
		err error
	)
	if req.All {
		p, err = s.svc.ComputeAllProgress(ctx)
	} else {
		p, err = s.svc.ComputeSprintProgress(ctx, req.AgentIDs)
	}
	return reply(p, err)
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// codeFor maps an error kind to a gRPC status code.
func codeFor(kind string) codes.Code {
	switch kind {
	case outbox.KindValidation:
		return codes.InvalidArgument
	case outbox.KindNotFound:
		return codes.NotFound
	case outbox.KindDuplicate:
		return codes.AlreadyExists
	case outbox.KindInvalidTransition, outbox.KindPrecondition:
		return codes.FailedPrecondition
	case outbox.KindLockTimeout:
		return codes.Unavailable
	}
	return codes.Internal
}

// toStatus converts a domain error to a status carrying its Detail as a Struct.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	d := outbox.Describe(err)
	st := status.New(codeFor(d.Kind), err.Error())
	if d.Kind == "" {
		return st.Err()
	}
	detail, cerr := toStruct(d)
	if cerr != nil {
		return st.Err()
	}
	if withDetail, derr := st.WithDetails(detail); derr == nil {
		st = withDetail
	}
	return st.Err()
}

func unary(method string, call func(CoordinatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	full := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(CoordinatorServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*structpb.Struct))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodGetOutbox, Handler: unary(MethodGetOutbox, CoordinatorServer.GetOutbox)},
		{MethodName: MethodCreateTask, Handler: unary(MethodCreateTask, CoordinatorServer.CreateTask)},
		{MethodName: MethodTransitionTask, Handler: unary(MethodTransitionTask, CoordinatorServer.TransitionTask)},
		{MethodName: MethodPromoteToHistory, Handler: unary(MethodPromoteToHistory, CoordinatorServer.PromoteToHistory)},
		{MethodName: MethodValidateOutbox, Handler: unary(MethodValidateOutbox, CoordinatorServer.ValidateOutbox)},
		{MethodName: MethodSprintProgress, Handler: unary(MethodSprintProgress, CoordinatorServer.SprintProgress)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "taskcoord/v1/coordinator.proto",
}
