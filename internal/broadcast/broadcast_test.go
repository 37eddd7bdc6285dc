package broadcast_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/broadcast"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubServer(t *testing.T) (*broadcast.Hub, string) {
	t.Helper()
	hub := broadcast.NewHub(testutils.TestLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		hello := broadcast.NewEvent(broadcast.EventSnapshot, q.Get("room"), map[string]string{"hello": q.Get("user")})
		hub.ServeWS(w, r, q.Get("room"), q.Get("user"), hello)
	}))
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, room, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"?room="+room+"&user="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) broadcast.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev broadcast.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_InitialThenBroadcast(t *testing.T) {
	hub, base := newHubServer(t)

	alice := dial(t, base, "r1", "alice")
	bob := dial(t, base, "r1", "bob")
	other := dial(t, base, "r2", "carol")

	for _, c := range []*websocket.Conn{alice, bob, other} {
		assert.Equal(t, broadcast.EventSnapshot, readEvent(t, c).Type)
	}
	testutils.WaitForCondition(t, func() bool { return hub.Count("r1") == 2 }, time.Second, "both registered")

	hub.Publish(context.Background(), broadcast.NewEvent(broadcast.EventTick, "r1", broadcast.TickPayload{Left: 12, Side: "X"}))

	for _, c := range []*websocket.Conn{alice, bob} {
		ev := readEvent(t, c)
		assert.Equal(t, broadcast.EventTick, ev.Type)
		var tick broadcast.TickPayload
		require.NoError(t, ev.Decode(&tick))
		assert.Equal(t, 12, tick.Left)
		assert.Equal(t, "X", tick.Side)
	}

	// 其他房間收不到
	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestHub_ReconnectReplacesOldConnection(t *testing.T) {
	hub, base := newHubServer(t)

	first := dial(t, base, "r1", "alice")
	readEvent(t, first)
	testutils.WaitForCondition(t, func() bool { return hub.Count("r1") == 1 }, time.Second, "first registered")

	second := dial(t, base, "r1", "alice")
	readEvent(t, second)

	// 舊連接被關閉
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 1, hub.Count("r1"))

	hub.Publish(context.Background(), broadcast.NewEvent(broadcast.EventPhase, "r1", broadcast.PhasePayload{Phase: "PLAYING"}))
	assert.Equal(t, broadcast.EventPhase, readEvent(t, second).Type)
}

func TestHub_CloseRoom(t *testing.T) {
	hub, base := newHubServer(t)

	conn := dial(t, base, "r1", "alice")
	readEvent(t, conn)
	testutils.WaitForCondition(t, func() bool { return hub.Count("r1") == 1 }, time.Second, "registered")

	hub.Publish(context.Background(), broadcast.NewEvent(broadcast.EventRoomClosed, "r1", nil))
	assert.Zero(t, hub.Count("r1"))

	// 先收到 ROOM_CLOSED，再收到關閉幀
	assert.Equal(t, broadcast.EventRoomClosed, readEvent(t, conn).Type)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestFanout(t *testing.T) {
	a, b := testutils.NewRecorder(), testutils.NewRecorder()
	sink := broadcast.Fanout{a, b, broadcast.Nop{}}

	sink.Publish(context.Background(), broadcast.NewEvent(broadcast.EventReady, "r1", broadcast.ReadyPayload{UserID: "u1", Ready: true}))

	assert.Equal(t, 1, a.Count(broadcast.EventReady))
	assert.Equal(t, 1, b.Count(broadcast.EventReady))
}

func TestNewEvent(t *testing.T) {
	ev := broadcast.NewEvent(broadcast.EventSeat, "r9", broadcast.SeatPayload{UserID: "u1", Side: "O"})
	assert.Equal(t, "r9", ev.RoomID)
	assert.NotZero(t, ev.Timestamp)

	var seat broadcast.SeatPayload
	require.NoError(t, ev.Decode(&seat))
	assert.Equal(t, "O", seat.Side)

	empty := broadcast.NewEvent(broadcast.EventRoomClosed, "r9", nil)
	assert.Nil(t, empty.Payload)
}

// TestNATSBridge_CrossNode 需要 Docker
func TestNATSBridge_CrossNode(t *testing.T) {
	url := testutils.SetupNATSContainer(t)
	logger := testutils.TestLogger()

	newNode := func(nodeID string) (*broadcast.NATSBridge, *testutils.Recorder) {
		conn, err := broadcast.ConnectNATS(broadcast.NATSOptions{URL: url, MaxReconnects: -1}, logger)
		require.NoError(t, err)
		rec := testutils.NewRecorder()
		bridge := broadcast.NewNATSBridge(conn, "gomoku.room", nodeID, rec, logger)
		require.NoError(t, bridge.Start())
		t.Cleanup(func() { _ = bridge.Close() })
		return bridge, rec
	}

	nodeA, recA := newNode("node-a")
	_, recB := newNode("node-b")
	assert.Equal(t, "gomoku.room.r1", nodeA.Subject("r1"))

	nodeA.Publish(context.Background(), broadcast.NewEvent(broadcast.EventTimeout, "r1", broadcast.TimeoutPayload{Side: "X"}))

	testutils.WaitForCondition(t, func() bool { return recB.Count(broadcast.EventTimeout) == 1 }, 5*time.Second, "remote node received")
	ev := recB.ByType(broadcast.EventTimeout)[0]
	assert.Equal(t, "node-a", ev.Origin)
	assert.Equal(t, "r1", ev.RoomID)

	// 本地只收到一次，自己發出的遠端副本被忽略
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, recA.Count(broadcast.EventTimeout))
}
