// Package agent is the Agent Client: it dials the in-guest agent over the
// tap network, frames requests/responses as newline-delimited JSON, and
// turns one Execute call into a stream of ExecutionFrames.
package agent

import (
	"bufio"
	"context"
	"net"
	"time"
)

// channel implements newline-delimited JSON framing over a net.Conn,
// ported from the VMM Core's original NetControlChannel: one JSON object
// per Send, one per Recv, with the trailing newline added/stripped
// transparently.
type channel struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newChannel(conn net.Conn) *channel {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &channel{conn: conn, scanner: scanner}
}

func (c *channel) send(ctx context.Context, msg []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(msg, '\n')
	}
	_, err := c.conn.Write(msg)
	return err
}

func (c *channel) recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	if c.scanner.Scan() {
		line := c.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

func (c *channel) Close() error {
	return c.conn.Close()
}
