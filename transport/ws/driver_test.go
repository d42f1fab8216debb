package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/odin-rt/core/message"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := gws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				data, op, err := wsutil.ReadClientData(conn)
				if err != nil {
					return
				}
				switch op {
				case gws.OpText, gws.OpBinary:
					if err := wsutil.WriteServerMessage(conn, op, data); err != nil {
						return
					}
				case gws.OpClose:
					return
				}
			}
		}()
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDriverStateBeforeConnect(t *testing.T) {
	d := New()
	if d.State().State != message.Disconnected {
		t.Errorf("initial state = %v, want Disconnected", d.State().State)
	}
	if d.Healthy() {
		t.Error("expected unconnected driver to be unhealthy")
	}
	if d.Protocol() != message.WebSocket {
		t.Errorf("Protocol() = %v, want WebSocket", d.Protocol())
	}
}

func TestDriverSendBeforeConnectFails(t *testing.T) {
	d := New()
	err := d.Send(context.Background(), message.NewText([]byte("hi")))
	if err == nil {
		t.Fatal("expected Send before Connect to fail")
	}
}

func TestDriverConnectSendRecvEcho(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	d := New()
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Connect(ctx, wsURL(server)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.State().State != message.Connected {
		t.Fatalf("state = %v, want Connected", d.State().State)
	}
	if !d.Healthy() {
		t.Fatal("expected Healthy() after Connect")
	}

	if err := d.Send(context.Background(), message.NewText([]byte("hello"))); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case item := <-d.Recv():
		if item.Disconnect {
			t.Fatalf("unexpected disconnect: %v", item.Reason)
		}
		if string(item.Msg.Payload) != "hello" {
			t.Errorf("echoed payload = %q, want hello", item.Msg.Payload)
		}
		if item.Msg.Kind != message.Text {
			t.Errorf("Kind = %v, want Text", item.Msg.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestDriverCloseIsIdempotent(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	d := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Connect(ctx, wsURL(server)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if d.State().State != message.Disconnected {
		t.Errorf("state after Close = %v, want Disconnected", d.State().State)
	}
}

func TestDriverConnectFailsForUnreachableAddress(t *testing.T) {
	d := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.Connect(ctx, "ws://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected Connect to fail against an unreachable address")
	}
	if d.State().State != message.Failed {
		t.Errorf("state = %v, want Failed", d.State().State)
	}
}
