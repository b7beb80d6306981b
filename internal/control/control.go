package control

import (
	"encoding/binary"
	"fmt"

	"github.com/g960059/agtsock/internal/registry"
	"github.com/g960059/agtsock/internal/wire"
)

// ExtensionID names agtsock control traffic inside standard agent
// extension frames. Extension-aware peers that do not recognize the
// identifier ignore or reject the request, so the control protocol
// needs no socket of its own.
const ExtensionID = "agtsock-v1@g960059.github.com"

// Control sub-types, one unsigned byte each.
const (
	SubKill         byte = 1
	SubAdd          byte = 2
	SubRemove       byte = 3 // reserved
	SubListAgents   byte = 4
	SubAgentsAnswer byte = 5
)

// SubTypeName returns the audit/display name of a control sub-type.
func SubTypeName(subType byte) string {
	switch subType {
	case SubKill:
		return "kill-agent"
	case SubAdd:
		return "add-agent"
	case SubRemove:
		return "remove-agent"
	case SubListAgents:
		return "request-agents"
	case SubAgentsAnswer:
		return "agents-answer"
	default:
		return fmt.Sprintf("sub-type-%d", subType)
	}
}

// EncodeRequest builds the body of an SSH_AGENTC_EXTENSION frame
// carrying one control request: the extension identifier, the sub-type
// byte, then the sub-type payload.
func EncodeRequest(subType byte, subBody []byte) []byte {
	buf := wire.AppendString(nil, ExtensionID)
	buf = append(buf, subType)
	return append(buf, subBody...)
}

// DecodeRequest inspects an extension frame body. isControl is false
// for foreign extensions (those are proxied upstream untouched). A
// control request with no sub-type byte decodes as sub-type 0, which
// the handler answers with the generic extension failure.
func DecodeRequest(body []byte) (subType byte, subBody []byte, isControl bool) {
	id, rest, err := wire.ReadString(body)
	if err != nil || id != ExtensionID {
		return 0, nil, false
	}
	if len(rest) < 1 {
		return 0, nil, true
	}
	return rest[0], rest[1:], true
}

// EncodeAdd builds the add-agent payload. An empty sock deregisters
// the terminal (or clears the default when tty is also empty).
func EncodeAdd(tty, sock string) []byte {
	buf := wire.AppendString(nil, tty)
	return wire.AppendString(buf, sock)
}

func DecodeAdd(b []byte) (tty, sock string, err error) {
	tty, rest, err := wire.ReadString(b)
	if err != nil {
		return "", "", fmt.Errorf("add-agent terminal: %w", err)
	}
	sock, _, err = wire.ReadString(rest)
	if err != nil {
		return "", "", fmt.Errorf("add-agent socket: %w", err)
	}
	return tty, sock, nil
}

// EncodeAgentsAnswer builds the request-agents reply body: the
// agents-answer sub-type byte, an entry count, then label/socket
// string pairs in snapshot order (default agent first).
func EncodeAgentsAnswer(entries []registry.Entry) []byte {
	buf := []byte{SubAgentsAnswer}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = wire.AppendString(buf, e.TTY)
		buf = wire.AppendString(buf, e.Sock)
	}
	return buf
}

func DecodeAgentsAnswer(b []byte) ([]registry.Entry, error) {
	if len(b) < 1 || b[0] != SubAgentsAnswer {
		return nil, fmt.Errorf("%w: not an agents-answer payload", wire.ErrInvalidFrame)
	}
	b = b[1:]
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: missing entry count", wire.ErrInvalidFrame)
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	// Every entry takes at least two length prefixes.
	if uint64(count) > uint64(len(b)/8)+1 {
		return nil, fmt.Errorf("%w: entry count exceeds payload", wire.ErrInvalidFrame)
	}
	entries := make([]registry.Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		tty, rest, err := wire.ReadString(b)
		if err != nil {
			return nil, fmt.Errorf("entry %d label: %w", i, err)
		}
		sock, rest, err := wire.ReadString(rest)
		if err != nil {
			return nil, fmt.Errorf("entry %d socket: %w", i, err)
		}
		entries = append(entries, registry.Entry{TTY: tty, Sock: sock})
		b = rest
	}
	return entries, nil
}

// Handler answers control requests against the shared registry. It
// never touches the connection itself: the caller writes the reply and
// acts on stopAfter (flush the reply, then begin shutdown).
type Handler struct {
	Registry *registry.Registry
}

func (h *Handler) Handle(subType byte, subBody []byte) (reply wire.Frame, stopAfter bool) {
	switch subType {
	case SubKill:
		return wire.Frame{Type: wire.AgentSuccess}, true
	case SubAdd:
		tty, sock, err := DecodeAdd(subBody)
		if err != nil {
			return wire.Frame{Type: wire.AgentExtensionFailure}, false
		}
		if err := h.Registry.Add(tty, sock); err != nil {
			return wire.Frame{Type: wire.AgentExtensionFailure}, false
		}
		return wire.Frame{Type: wire.AgentSuccess}, false
	case SubListAgents:
		body := EncodeAgentsAnswer(h.Registry.Snapshot())
		return wire.Frame{Type: wire.AgentSuccess, Body: body}, false
	default:
		return wire.Frame{Type: wire.AgentExtensionFailure}, false
	}
}
