package uds

import (
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/inpassing/liveorg/internal/obs"
)

func newTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), DefaultSocketName)
	logger := obs.NewLogger(io.Discard, "test", obs.LogLevelError)
	srv := NewServer(socketPath, logger)
	t.Cleanup(func() { srv.Stop() })

	cli := NewClient(socketPath)
	cli.SetTimeout(2 * time.Second)
	return srv, cli
}

func TestRequestResponse(t *testing.T) {
	srv, cli := newTestServer(t)
	srv.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	resp, err := cli.SendCommand("ping", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Fatalf("ping failed: %+v", resp.Error)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["status"] != "ok" {
		t.Errorf("status = %q, want ok", data["status"])
	}
}

func TestUnknownCommand(t *testing.T) {
	srv, cli := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	resp, err := cli.SendCommand("nonsense", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown command")
	}
	if resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeUnknownCommand)
	}
}

func TestProtocolMismatch(t *testing.T) {
	srv, cli := newTestServer(t)
	srv.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(nil)
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	resp, err := cli.Send(&Request{ProtocolVersion: 99, Command: "ping"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for protocol mismatch")
	}
	if resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeProtocolMismatch)
	}
}

func TestHandlerPanicDoesNotKillServer(t *testing.T) {
	srv, cli := newTestServer(t)
	srv.Handle("boom", func(req *Request) *Response {
		panic("handler bug")
	})
	srv.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(nil)
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	// The panicking request gets no response; the connection just closes.
	if _, err := cli.SendCommand("boom", nil); err == nil {
		t.Log("panicking handler unexpectedly produced a response")
	}

	resp, err := cli.SendCommand("ping", nil)
	if err != nil {
		t.Fatalf("server died after handler panic: %v", err)
	}
	if !resp.Success {
		t.Fatalf("ping failed after panic: %+v", resp.Error)
	}
}
