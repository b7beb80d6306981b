package proxyclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/g960059/agtsock/internal/control"
	"github.com/g960059/agtsock/internal/registry"
	"github.com/g960059/agtsock/internal/wire"
)

var ErrRequestFailed = errors.New("proxyclient: request refused")

const defaultTimeout = 10 * time.Second

// Client issues control requests against a running agtsockd. Each call
// opens one connection, performs one request/reply exchange, and
// closes it.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultTimeout}
}

func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.timeout = timeout
	return &clone
}

// SocketPath reports the server address this client targets.
func (c *Client) SocketPath() string {
	return c.socketPath
}

func (c *Client) roundtrip(ctx context.Context, subType byte, subBody []byte) (wire.Frame, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return wire.Frame{}, fmt.Errorf("set deadline: %w", err)
	}
	return wire.Roundtrip(conn, wire.AgentCExtension, control.EncodeRequest(subType, subBody))
}

// Stop sends the kill control request. A non-success reply is an error.
func (c *Client) Stop(ctx context.Context) error {
	reply, err := c.roundtrip(ctx, control.SubKill, nil)
	if err != nil {
		return err
	}
	if reply.Type != wire.AgentSuccess {
		return fmt.Errorf("%w: stop answered with frame type %d", ErrRequestFailed, reply.Type)
	}
	return nil
}

// Add registers sock as the upstream agent for tty. Empty tty targets
// the default agent; empty sock deregisters.
func (c *Client) Add(ctx context.Context, tty, sock string) error {
	reply, err := c.roundtrip(ctx, control.SubAdd, control.EncodeAdd(tty, sock))
	if err != nil {
		return err
	}
	if reply.Type != wire.AgentSuccess {
		return fmt.Errorf("%w: server rejected agent %s for terminal %s", ErrRequestFailed, sock, tty)
	}
	return nil
}

// ListAgents fetches the routing table snapshot, default agent first.
func (c *Client) ListAgents(ctx context.Context) ([]registry.Entry, error) {
	reply, err := c.roundtrip(ctx, control.SubListAgents, nil)
	if err != nil {
		return nil, err
	}
	if reply.Type != wire.AgentSuccess {
		return nil, fmt.Errorf("%w: list answered with frame type %d", ErrRequestFailed, reply.Type)
	}
	return control.DecodeAgentsAnswer(reply.Body)
}
