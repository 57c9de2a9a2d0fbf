package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(server.Close)

	return &testServer{Server: server, conns: conns}
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func waitForStatus(t *testing.T, client *Client, status Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client.Status() == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never reached status %d", status)
}

func TestSubscribeConfirmAndNotify(t *testing.T) {
	server := newTestServer(t)
	client := NewClient(server.wsURL(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	waitForStatus(t, client, StatusConnected)
	conn := <-server.conns

	// server side: answer the subscribe request, then push a notification
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- func() error {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				return err
			}
			if request["method"] != "programSubscribe" {
				return fmt.Errorf("unexpected method %v", request["method"])
			}
			id := uint64(request["id"].(float64))

			if err := conn.WriteMessage(websocket.TextMessage, []byte(
				fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":99}`, id),
			)); err != nil {
				return err
			}
			return conn.WriteMessage(websocket.TextMessage, []byte(
				`{"jsonrpc":"2.0","method":"programNotification","params":{"subscription":99,"result":{"slot":5}}}`,
			))
		}()
	}()

	subscriptionID, stream, err := client.ProgramSubscribe(ctx, "Fnd1yWeU4ajtCbzuDLsZq3cuoUiroJCYRoUi2y6PVZfy", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(99), subscriptionID)

	select {
	case payload := <-stream:
		require.JSONEq(t, `{"slot":5}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}

	require.NoError(t, <-serverDone)
}

func TestSubscribeRejection(t *testing.T) {
	server := newTestServer(t)
	client := NewClient(server.wsURL(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	waitForStatus(t, client, StatusConnected)
	conn := <-server.conns

	go func() {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var request map[string]any
		if err := json.Unmarshal(payload, &request); err != nil {
			return
		}
		id := uint64(request["id"].(float64))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"invalid params"}}`, id),
		))
	}()

	_, _, err := client.SlotSubscribe(ctx)
	var subscriptionErr *SubscriptionError
	require.ErrorAs(t, err, &subscriptionErr)
	require.Contains(t, subscriptionErr.Message, "invalid params")
}

func TestSubscribeBeforeConnectFails(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, _, err := client.SlotSubscribe(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}
