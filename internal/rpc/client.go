package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/pkg/models"
)

// Client calls a remote Coordinator. Domain errors are rebuilt from the status
// details, so outbox.IsNotFound and friends work across the wire.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr. Without options the connection is insecure.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection; Close leaves it open.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method, op string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(op, err)
	}
	return fromStruct(out, resp)
}

func (c *Client) GetAgentOutbox(ctx context.Context, agentID string) (*models.Outbox, error) {
	var o models.Outbox
	if err := c.invoke(ctx, MethodGetOutbox, outbox.OpGetOutbox, AgentRequest{AgentID: agentID}, &o); err != nil {
		return nil, err
	}
	o.Normalize()
	return &o, nil
}

func (c *Client) CreateTask(ctx context.Context, agentID string, spec models.TaskSpec) (string, error) {
	var resp CreateTaskResponse
	if err := c.invoke(ctx, MethodCreateTask, outbox.OpCreateTask, CreateTaskRequest{AgentID: agentID, Task: spec}, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

func (c *Client) TransitionTask(ctx context.Context, agentID, taskID string, to models.Status) (*models.Task, error) {
	var t models.Task
	req := TransitionRequest{AgentID: agentID, TaskID: taskID, Status: to}
	if err := c.invoke(ctx, MethodTransitionTask, outbox.OpTransitionTask, req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) PromoteToHistory(ctx context.Context, agentID, taskID string, spec models.HistorySpec) (*models.HistoryEntry, error) {
	var e models.HistoryEntry
	req := PromoteRequest{AgentID: agentID, TaskID: taskID, History: spec}
	if err := c.invoke(ctx, MethodPromoteToHistory, outbox.OpPromote, req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) ValidateOutbox(ctx context.Context, agentID string) (outbox.ValidationErrors, error) {
	var resp ValidateResponse
	if err := c.invoke(ctx, MethodValidateOutbox, outbox.OpValidateOutbox, AgentRequest{AgentID: agentID}, &resp); err != nil {
		return nil, err
	}
	errs := outbox.ValidationErrors(resp.Violations)
	if errs == nil {
		errs = outbox.ValidationErrors{}
	}
	return errs, nil
}

func (c *Client) ComputeSprintProgress(ctx context.Context, agentIDs []string) (*models.SprintProgress, error) {
	return c.progress(ctx, ProgressRequest{AgentIDs: agentIDs})
}

func (c *Client) ComputeAllProgress(ctx context.Context) (*models.SprintProgress, error) {
	return c.progress(ctx, ProgressRequest{All: true})
}

func (c *Client) progress(ctx context.Context, req ProgressRequest) (*models.SprintProgress, error) {
	var p models.SprintProgress
	if err := c.invoke(ctx, MethodSprintProgress, outbox.OpSprintProgress, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// fromStatus rebuilds the domain error described by a status, or returns err as is.
func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	var d outbox.Detail
	found := false
	for _, det := range st.Details() {
		if s, ok := det.(*structpb.Struct); ok && fromStruct(s, &d) == nil && d.Kind != "" {
			found = true
			break
		}
	}
	if !found {
		return err
	}
	switch d.Kind {
	case outbox.KindValidation:
		if len(d.Violations) == 0 {
			return outbox.ValidationErrors{{Op: op, AgentID: d.AgentID, TaskID: d.TaskID, Message: d.Message}}
		}
		return outbox.ValidationErrors(d.Violations)
	case outbox.KindNotFound:
		return &outbox.NotFoundError{Op: op, AgentID: d.AgentID, TaskID: d.TaskID}
	case outbox.KindDuplicate:
		return &outbox.DuplicateError{Op: op, AgentID: d.AgentID, TaskID: d.TaskID}
	case outbox.KindInvalidTransition:
		return &outbox.InvalidTransitionError{Op: op, AgentID: d.AgentID, TaskID: d.TaskID, From: d.From, To: d.To, Allowed: d.Allowed}
	case outbox.KindPrecondition:
		return &outbox.PreconditionError{Op: op, AgentID: d.AgentID, TaskID: d.TaskID, Status: d.From, Reason: "rejected by server"}
	case outbox.KindLockTimeout:
		return &outbox.LockTimeoutError{Op: op, AgentID: d.AgentID}
	case outbox.KindStorage:
		return &outbox.StorageError{Op: op, AgentID: d.AgentID, Err: errors.New(st.Message())}
	}
	return err
}
