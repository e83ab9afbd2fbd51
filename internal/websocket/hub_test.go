package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws/events", HandleWebSocket(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_PublishBroadcastsToClients(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	hub.Publish("cycle", map[string]int{"dispatched": 3})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeEvent, msg.Type)
	assert.Equal(t, "cycle", msg.Topic)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, 3, payload["dispatched"])
}

func TestHub_TopicSubscription(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	t.Run("订阅后只接收指定类别", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Topic: "scaling"}))
		ack := readMessage(t, conn)
		assert.Equal(t, MessageTypeSubscribed, ack.Type)
		assert.Equal(t, []string{"scaling"}, ack.Topics)

		hub.Publish("cycle", map[string]string{"skip": "me"})
		hub.Publish("scaling", map[string]string{"action": "scale-up"})

		msg := readMessage(t, conn)
		assert.Equal(t, "scaling", msg.Topic)
	})

	t.Run("未知消息类型返回错误", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(Message{Type: "bogus"}))
		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypeError, msg.Type)
	})
}

func TestHub_QueryTopicFilter(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url+"?topic=event", 1)

	hub.Publish("cycle", "ignored")
	hub.Publish("event", "delivered")

	msg := readMessage(t, conn)
	assert.Equal(t, "event", msg.Topic)
}

func TestHub_UnregisterOnClose(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
