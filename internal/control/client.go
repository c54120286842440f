package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/sweeper/internal/instrument"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// Client calls the control service of a running daemon.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to the daemon at target without transport security.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	in, err := encode(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return fromStatus(err)
	}
	if out == nil {
		return nil
	}
	if err := decode(resp, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) sweepCall(ctx context.Context, method, id string) (sweep.Info, error) {
	var info sweep.Info
	err := c.invoke(ctx, method, idRequest{ID: id}, &info)
	return info, err
}

func (c *Client) queueCall(ctx context.Context, method string) (sweep.QueueInfo, error) {
	var info sweep.QueueInfo
	err := c.invoke(ctx, method, struct{}{}, &info)
	return info, err
}

// Create builds a sweep from def, optionally starting it.
func (c *Client) Create(ctx context.Context, def sweep.Definition, start bool) (sweep.Info, error) {
	var info sweep.Info
	err := c.invoke(ctx, "Create", createRequest{Definition: def, Start: start}, &info)
	return info, err
}

// Start starts a sweep.
func (c *Client) Start(ctx context.Context, id string) (sweep.Info, error) {
	return c.sweepCall(ctx, "Start", id)
}

// Pause pauses a sweep.
func (c *Client) Pause(ctx context.Context, id string) (sweep.Info, error) {
	return c.sweepCall(ctx, "Pause", id)
}

// Resume resumes a sweep.
func (c *Client) Resume(ctx context.Context, id string) (sweep.Info, error) {
	return c.sweepCall(ctx, "Resume", id)
}

// Kill kills a sweep.
func (c *Client) Kill(ctx context.Context, id string) (sweep.Info, error) {
	return c.sweepCall(ctx, "Kill", id)
}

// ClearError clears the error of a sweep.
func (c *Client) ClearError(ctx context.Context, id string) (sweep.Info, error) {
	return c.sweepCall(ctx, "ClearError", id)
}

// Status returns the view of a sweep.
func (c *Client) Status(ctx context.Context, id string) (sweep.Info, error) {
	return c.sweepCall(ctx, "Status", id)
}

// List returns every sweep.
func (c *Client) List(ctx context.Context) ([]sweep.Info, error) {
	var resp listResponse
	err := c.invoke(ctx, "List", struct{}{}, &resp)
	return resp.Sweeps, err
}

// Export returns the definition of a sweep.
func (c *Client) Export(ctx context.Context, id string) (sweep.Definition, error) {
	var def sweep.Definition
	err := c.invoke(ctx, "Export", idRequest{ID: id}, &def)
	return def, err
}

// Remove forgets an inactive sweep.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.invoke(ctx, "Remove", idRequest{ID: id}, nil)
}

// Enqueue appends a sweep to the queue.
func (c *Client) Enqueue(ctx context.Context, id string) (sweep.EntryInfo, error) {
	var entry sweep.EntryInfo
	err := c.invoke(ctx, "Enqueue", idRequest{ID: id}, &entry)
	return entry, err
}

// EnqueueContext appends a persistence context switch to the queue.
func (c *Client) EnqueueContext(ctx context.Context, database, experiment, sample string) (sweep.EntryInfo, error) {
	var entry sweep.EntryInfo
	err := c.invoke(ctx, "EnqueueContext", contextRequest{Database: database, Experiment: experiment, Sample: sample}, &entry)
	return entry, err
}

// Dequeue removes a waiting queue entry.
func (c *Client) Dequeue(ctx context.Context, entryID string) (sweep.QueueInfo, error) {
	var info sweep.QueueInfo
	err := c.invoke(ctx, "Dequeue", dequeueRequest{EntryID: entryID}, &info)
	return info, err
}

// LoadPlan queues every job of p.
func (c *Client) LoadPlan(ctx context.Context, p *Plan) ([]sweep.EntryInfo, error) {
	var resp entriesResponse
	err := c.invoke(ctx, "LoadPlan", planRequest{Plan: *p}, &resp)
	return resp.Entries, err
}

// QueueStart starts the queue.
func (c *Client) QueueStart(ctx context.Context) (sweep.QueueInfo, error) {
	return c.queueCall(ctx, "QueueStart")
}

// QueuePause pauses the queue's current sweep.
func (c *Client) QueuePause(ctx context.Context) (sweep.QueueInfo, error) {
	return c.queueCall(ctx, "QueuePause")
}

// QueueResume resumes the queue's current sweep.
func (c *Client) QueueResume(ctx context.Context) (sweep.QueueInfo, error) {
	return c.queueCall(ctx, "QueueResume")
}

// QueueKill stops the queue.
func (c *Client) QueueKill(ctx context.Context) (sweep.QueueInfo, error) {
	return c.queueCall(ctx, "QueueKill")
}

// QueueStatus returns the view of the queue.
func (c *Client) QueueStatus(ctx context.Context) (sweep.QueueInfo, error) {
	return c.queueCall(ctx, "QueueStatus")
}

// Params reads every parameter of the daemon.
func (c *Client) Params(ctx context.Context) ([]instrument.ParamInfo, error) {
	var resp paramsResponse
	err := c.invoke(ctx, "Params", struct{}{}, &resp)
	return resp.Params, err
}
