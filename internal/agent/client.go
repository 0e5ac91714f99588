package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/virt-do/project-2024/internal/schema"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	maxTotalWait   = 30 * time.Second
)

// ErrConnectTimeout is returned when the agent never becomes reachable
// within maxTotalWait of readiness probing.
var ErrConnectTimeout = errors.New("agent: guest agent did not become reachable in time")

// Client is a connection to one guest's in-VM agent.
type Client struct {
	ch *channel
}

// Connect dials guestIP:port, retrying with capped exponential backoff
// (100ms initial, doubling, capped at 5s per attempt, 30s total) while the
// guest kernel boots and the agent binary starts listening. This is the
// readiness-probe strategy chosen over a fixed boot-time sleep (see
// SPEC_FULL.md's Agent Client section / Open Questions resolution).
func Connect(ctx context.Context, guestIP string, port int) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", guestIP, port)
	deadline := time.Now().Add(maxTotalWait)
	backoff := initialBackoff

	var lastErr error
	for {
		if time.Now().After(deadline) {
			return nil, schema.NewError(schema.ErrAgentConnect, fmt.Errorf("%w: last error: %v", ErrConnectTimeout, lastErr))
		}
		select {
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrAgentConnect, ctx.Err())
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, backoff)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			return &Client{ch: newChannel(conn)}, nil
		}
		lastErr = err

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, schema.NewError(schema.ErrAgentConnect, ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.ch.Close()
}

// Execute sends one ExecuteRequest and streams back ExecutionFrames until
// the agent marks a frame Final or the connection errors/closes. Both
// returned channels are closed when the exchange ends; at most one error
// is ever sent on the error channel.
func (c *Client) Execute(ctx context.Context, req schema.ExecuteRequest) (<-chan schema.ExecutionFrame, <-chan error) {
	frames := make(chan schema.ExecutionFrame, 4)
	errCh := make(chan error, 1)

	go func() {
		defer close(frames)
		defer close(errCh)

		// Cancelling ctx closes the connection so a blocked recv returns.
		stop := context.AfterFunc(ctx, func() { c.ch.Close() })
		defer stop()

		payload, err := json.Marshal(req)
		if err != nil {
			errCh <- schema.NewError(schema.ErrAgentRpc, err)
			return
		}
		if err := c.ch.send(ctx, payload); err != nil {
			errCh <- schema.NewError(schema.ErrAgentRpc, fmt.Errorf("sending execute request: %w", err))
			return
		}

		for {
			select {
			case <-ctx.Done():
				errCh <- schema.NewError(schema.ErrAgentRpc, ctx.Err())
				return
			default:
			}

			line, err := c.ch.recv(ctx)
			if err != nil {
				errCh <- schema.NewError(schema.ErrAgentRpc, fmt.Errorf("receiving response: %w", err))
				return
			}

			var resp schema.ExecuteResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errCh <- schema.NewError(schema.ErrAgentRpc, fmt.Errorf("decoding response: %w", err))
				return
			}

			frame := schema.ExecutionFrame{
				Stdout:   resp.Stdout,
				Stderr:   resp.Stderr,
				ExitCode: resp.ExitCode,
				Final:    resp.Final,
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				errCh <- schema.NewError(schema.ErrAgentRpc, ctx.Err())
				return
			}

			if resp.Final {
				return
			}
		}
	}()

	return frames, errCh
}
