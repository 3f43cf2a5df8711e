package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/localvercel/edge/pkg/logger"
)

func TestClientDeliversFramesAndStopsWhenPeerLeaves(t *testing.T) {
	served := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		client := NewClient(conn, logger.Discard())
		if err := client.Send([]byte(`{"id":"c1/site","state":"success"}`)); err != nil {
			t.Errorf("send: %v", err)
		}
		go func() {
			client.Serve()
			close(served)
		}()
	}))
	defer srv.Close()

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	kind, payload, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage || !strings.Contains(string(payload), `"state":"success"`) {
		t.Fatalf("unexpected frame %d %s", kind, payload)
	}
	_ = peer.Close()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the peer disconnected")
	}
}
