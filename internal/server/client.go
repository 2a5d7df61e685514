package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"sjq/internal/engine"
	"sjq/internal/model"
)

// Client talks to a running server. It is safe for concurrent use;
// requests on one client are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to sjq server at %s: %w", socketPath, err)
	}
	return &Client{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.ID = uuid.NewString()
	deadline, _ := ctx.Deadline() // zero clears any previous deadline
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := c.enc.Encode(&req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Op, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %s does not match request %s", resp.ID, req.ID)
	}
	if !resp.OK {
		return nil, &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	return &resp, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, Request{Op: OpPing})
	return err
}

func (c *Client) Submit(ctx context.Context, spec model.JobSpec) (int64, error) {
	resp, err := c.do(ctx, Request{Op: OpSubmit, Submit: &spec})
	if err != nil {
		return 0, err
	}
	return resp.JobID, nil
}

func (c *Client) Kill(ctx context.Context, id int64) error {
	_, err := c.do(ctx, Request{Op: OpKill, JobID: id})
	return err
}

func (c *Client) Status(ctx context.Context, id int64) (*model.Job, error) {
	resp, err := c.do(ctx, Request{Op: OpStatus, JobID: id})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (c *Client) List(ctx context.Context, state model.State) ([]model.Job, error) {
	resp, err := c.do(ctx, Request{Op: OpList, State: string(state)})
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) Stats(ctx context.Context) ([]model.StateCount, error) {
	resp, err := c.do(ctx, Request{Op: OpStats})
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

func (c *Client) Info(ctx context.Context) (*engine.Snapshot, error) {
	resp, err := c.do(ctx, Request{Op: OpInfo})
	if err != nil {
		return nil, err
	}
	return resp.Info, nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, Request{Op: OpShutdown})
	return err
}
