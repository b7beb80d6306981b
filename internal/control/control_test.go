package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/g960059/agtsock/internal/registry"
	"github.com/g960059/agtsock/internal/wire"
)

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("touch %s: %v", path, err)
	}
	return path
}

func TestDecodeRequestForeignExtension(t *testing.T) {
	body := wire.AppendString(nil, "session-bind@openssh.com")
	body = append(body, 0x01, 0x02)
	if _, _, isControl := DecodeRequest(body); isControl {
		t.Fatal("foreign extension must not be treated as control traffic")
	}
	if _, _, isControl := DecodeRequest([]byte{0xff}); isControl {
		t.Fatal("garbage body must not be treated as control traffic")
	}
}

func TestDecodeRequestRoundTrip(t *testing.T) {
	payload := EncodeAdd("/dev/pts/4", "/tmp/agent.sock")
	body := EncodeRequest(SubAdd, payload)

	subType, subBody, isControl := DecodeRequest(body)
	if !isControl {
		t.Fatal("expected control request")
	}
	if subType != SubAdd {
		t.Fatalf("sub-type = %d, want %d", subType, SubAdd)
	}
	tty, sock, err := DecodeAdd(subBody)
	if err != nil {
		t.Fatalf("decode add: %v", err)
	}
	if tty != "/dev/pts/4" || sock != "/tmp/agent.sock" {
		t.Fatalf("unexpected add payload: %q %q", tty, sock)
	}
}

func TestDecodeRequestMissingSubType(t *testing.T) {
	body := wire.AppendString(nil, ExtensionID)
	subType, _, isControl := DecodeRequest(body)
	if !isControl {
		t.Fatal("request with our id is control traffic even when malformed")
	}
	if subType != 0 {
		t.Fatalf("sub-type = %d, want 0", subType)
	}
}

func TestHandlerKill(t *testing.T) {
	h := &Handler{Registry: registry.New()}
	reply, stopAfter := h.Handle(SubKill, nil)
	if reply.Type != wire.AgentSuccess {
		t.Fatalf("kill reply type = %d, want success", reply.Type)
	}
	if !stopAfter {
		t.Fatal("kill must request shutdown after the reply is flushed")
	}
}

func TestHandlerAdd(t *testing.T) {
	tmp := t.TempDir()
	tty := touch(t, filepath.Join(tmp, "tty1"))
	sock := touch(t, filepath.Join(tmp, "agent.sock"))
	reg := registry.New()
	h := &Handler{Registry: reg}

	reply, stopAfter := h.Handle(SubAdd, EncodeAdd(tty, sock))
	if reply.Type != wire.AgentSuccess || stopAfter {
		t.Fatalf("add reply = %d stop=%v, want success without stop", reply.Type, stopAfter)
	}
	if got, ok := reg.Route(tty); !ok || got != sock {
		t.Fatalf("route after add = %q %v", got, ok)
	}

	reply, _ = h.Handle(SubAdd, EncodeAdd(filepath.Join(tmp, "missing-tty"), sock))
	if reply.Type != wire.AgentExtensionFailure {
		t.Fatalf("invalid add reply type = %d, want extension failure", reply.Type)
	}
	reply, _ = h.Handle(SubAdd, []byte{0x00})
	if reply.Type != wire.AgentExtensionFailure {
		t.Fatalf("malformed add reply type = %d, want extension failure", reply.Type)
	}
}

func TestHandlerListAgents(t *testing.T) {
	tmp := t.TempDir()
	ttyA := touch(t, filepath.Join(tmp, "tty-a"))
	ttyB := touch(t, filepath.Join(tmp, "tty-b"))
	sock := touch(t, filepath.Join(tmp, "agent.sock"))
	fallback := touch(t, filepath.Join(tmp, "default.sock"))

	reg := registry.New()
	for _, add := range []struct{ tty, sock string }{
		{"", fallback}, {ttyA, sock}, {ttyB, sock},
	} {
		if err := reg.Add(add.tty, add.sock); err != nil {
			t.Fatalf("seed registry: %v", err)
		}
	}

	h := &Handler{Registry: reg}
	reply, stopAfter := h.Handle(SubListAgents, nil)
	if reply.Type != wire.AgentSuccess || stopAfter {
		t.Fatalf("list reply = %d stop=%v", reply.Type, stopAfter)
	}
	entries, err := DecodeAgentsAnswer(reply.Body)
	if err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].TTY != "" || entries[0].Sock != fallback {
		t.Fatalf("default must be first, got %+v", entries[0])
	}
	if entries[1].TTY != ttyA || entries[2].TTY != ttyB {
		t.Fatalf("entries out of order: %+v", entries[1:])
	}
}

func TestHandlerUnknownSubType(t *testing.T) {
	h := &Handler{Registry: registry.New()}
	reply, stopAfter := h.Handle(0x7f, []byte("whatever"))
	if reply.Type != wire.AgentExtensionFailure || stopAfter {
		t.Fatalf("unknown sub-type reply = %d stop=%v, want extension failure", reply.Type, stopAfter)
	}
}

func TestDecodeAgentsAnswerRejectsJunk(t *testing.T) {
	if _, err := DecodeAgentsAnswer(nil); err == nil {
		t.Fatal("empty answer must fail")
	}
	if _, err := DecodeAgentsAnswer([]byte{SubAgentsAnswer, 0, 0}); err == nil {
		t.Fatal("truncated count must fail")
	}
	if _, err := DecodeAgentsAnswer([]byte{SubAgentsAnswer, 0, 0, 0, 2, 0, 0, 0, 0}); err == nil {
		t.Fatal("count larger than payload must fail")
	}
}
