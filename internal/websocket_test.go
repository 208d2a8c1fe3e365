package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-realtime-racing/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsEnvelope 服務端事件的通用外殼
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsSnapshot 測試只關心的快照欄位
type wsSnapshot struct {
	RoomID  string `json:"room_id"`
	Status  string `json:"status"`
	Players []struct {
		ID         string `json:"player_id"`
		Row        int    `json:"row"`
		Col        int    `json:"col"`
		Finished   bool   `json:"finished"`
		FinishTime int64  `json:"finish_time"`
	} `json:"players"`
}

// wsTestConfig 縮短時序讓完整賽程能在測試內跑完
func wsTestConfig() internal.RaceConfig {
	return internal.RaceConfig{
		Countdown:     100 * time.Millisecond,
		MoveInterval:  time.Millisecond,
		LapDebounce:   30 * time.Millisecond,
		StaleAfter:    3 * time.Minute,
		SweepInterval: time.Hour,
	}
}

// setupWSTest 啟動帶 WebSocket 端點的測試服務
func setupWSTest(t *testing.T) (*httptest.Server, *internal.Registry) {
	t.Helper()

	registry := internal.NewRegistry(wsTestConfig(), testLogger())
	hub := internal.NewHub(registry, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		hub.Stop()
		registry.Stop()
	})
	return server, registry
}

// dialWS 以指定參與者身份建立 WebSocket 連接
func dialWS(t *testing.T, server *httptest.Server, playerID, nickname string) *websocket.Conn {
	t.Helper()

	query := url.Values{}
	query.Set("player_id", playerID)
	query.Set("nickname", nickname)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// send 發送一個動作
func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()

	payload := map[string]any{"type": msgType}
	if data != nil {
		payload["data"] = data
	}
	require.NoError(t, conn.WriteJSON(payload))
}

// waitForEvent 讀取直到出現指定類型的事件（其他事件略過）
func waitForEvent(t *testing.T, conn *websocket.Conn, eventType string) json.RawMessage {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))

	for {
		var envelope wsEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("等待 %s 事件失敗: %v", eventType, err)
		}
		if envelope.Event == eventType {
			return envelope.Data
		}
	}
}

// waitForSnapshot 讀取 game_update 直到快照滿足條件
func waitForSnapshot(t *testing.T, conn *websocket.Conn, ok func(wsSnapshot) bool) wsSnapshot {
	t.Helper()

	for {
		data := waitForEvent(t, conn, "game_update")
		var snapshot wsSnapshot
		require.NoError(t, json.Unmarshal(data, &snapshot))
		if ok(snapshot) {
			return snapshot
		}
	}
}

// TestWS_Welcome 測試連接建立與身份指派
func TestWS_Welcome(t *testing.T) {
	server, _ := setupWSTest(t)

	t.Run("assigned id echoed back", func(t *testing.T) {
		conn := dialWS(t, server, "p1", "小明")

		data := waitForEvent(t, conn, "welcome")
		var welcome struct {
			PlayerID string `json:"player_id"`
		}
		require.NoError(t, json.Unmarshal(data, &welcome))
		assert.Equal(t, "p1", welcome.PlayerID)

		// 連接後立即收到房間列表
		waitForEvent(t, conn, "rooms_update")
	})

	t.Run("missing id gets minted one", func(t *testing.T) {
		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		data := waitForEvent(t, conn, "welcome")
		var welcome struct {
			PlayerID string `json:"player_id"`
		}
		require.NoError(t, json.Unmarshal(data, &welcome))
		assert.NotEmpty(t, welcome.PlayerID)
	})
}

// TestWS_ErrorScoping 測試錯誤只回給發起者
func TestWS_ErrorScoping(t *testing.T) {
	server, _ := setupWSTest(t)
	conn := dialWS(t, server, "p1", "小明")
	waitForEvent(t, conn, "welcome")

	// 加入不存在的房間 → error 事件
	send(t, conn, "join_room", map[string]any{"room_id": "NOPE1"})

	data := waitForEvent(t, conn, "error")
	var errMsg struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &errMsg))
	assert.NotEmpty(t, errMsg.Message)
}

// TestWS_FullRace 完整賽程：創房 → 加入 → 準備 → 倒數 → 比賽 → 完賽
func TestWS_FullRace(t *testing.T) {
	server, _ := setupWSTest(t)

	c1 := dialWS(t, server, "p1", "小明")
	waitForEvent(t, c1, "welcome")

	// p1 創建房間（迷你賽道、1 圈、2 人）
	send(t, c1, "create_room", map[string]any{
		"track":       "mini",
		"laps":        1,
		"max_players": 2,
	})

	data := waitForEvent(t, c1, "room_created")
	var created struct {
		RoomID string `json:"room_id"`
	}
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.RoomID)

	// p2 連接並加入
	c2 := dialWS(t, server, "p2", "小華")
	waitForEvent(t, c2, "welcome")

	send(t, c2, "join_room", map[string]any{"room_id": created.RoomID})
	waitForEvent(t, c2, "joined_room")

	// 雙方都看到兩人房間快照
	snapshot := waitForSnapshot(t, c1, func(s wsSnapshot) bool {
		return len(s.Players) == 2
	})
	assert.Equal(t, created.RoomID, snapshot.RoomID)
	assert.Equal(t, "waiting", snapshot.Status)

	// 全員準備 → 倒數 → 自動開賽
	send(t, c1, "player_ready", nil)
	send(t, c2, "player_ready", nil)

	waitForSnapshot(t, c1, func(s wsSnapshot) bool { return s.Status == "starting" })
	waitForSnapshot(t, c1, func(s wsSnapshot) bool { return s.Status == "active" })

	// 第一次跨線：p1 從出生點 (1,2) 踏上起跑格 (1,1)（圈數 1，未完賽）
	send(t, c1, "player_input", map[string]any{"direction": "LEFT"})
	snapshot = waitForSnapshot(t, c1, func(s wsSnapshot) bool {
		return s.Players[0].Row == 1 && s.Players[0].Col == 1
	})
	assert.False(t, snapshot.Players[0].Finished)

	// 繞環形路徑 (1,1) → (2,1) → (2,2) → (1,2) 回來再跨線一次：
	// 圈數 2 > 1 → p1 完賽
	for _, dir := range []string{"DOWN", "RIGHT", "UP"} {
		time.Sleep(5 * time.Millisecond)
		send(t, c1, "player_input", map[string]any{"direction": dir})
	}
	time.Sleep(40 * time.Millisecond) // 計圈防彈跳
	send(t, c1, "player_input", map[string]any{"direction": "LEFT"})

	snapshot = waitForSnapshot(t, c1, func(s wsSnapshot) bool {
		return s.Players[0].Finished
	})
	assert.Greater(t, snapshot.Players[0].FinishTime, int64(0))
	assert.Equal(t, "active", snapshot.Status, "還有人未完賽")

	// get_state 拉取快照（單播）
	send(t, c2, "get_state", nil)
	snapshot = waitForSnapshot(t, c2, func(s wsSnapshot) bool {
		return s.Players[0].Finished
	})
	assert.Equal(t, created.RoomID, snapshot.RoomID)
}

// TestWS_DisconnectLeavesRoom 測試斷線視為離開房間
func TestWS_DisconnectLeavesRoom(t *testing.T) {
	server, _ := setupWSTest(t)

	c1 := dialWS(t, server, "p1", "小明")
	waitForEvent(t, c1, "welcome")

	send(t, c1, "create_room", map[string]any{
		"track":       "mini",
		"laps":        1,
		"max_players": 2,
	})
	waitForEvent(t, c1, "room_created")

	// 另一條連接觀察房間列表
	c2 := dialWS(t, server, "p2", "小華")
	waitForEvent(t, c2, "welcome")

	data := waitForEvent(t, c2, "rooms_update")
	var rooms []internal.RoomSummary
	require.NoError(t, json.Unmarshal(data, &rooms))
	require.NotEmpty(t, rooms)

	// p1 斷線 → 房間清空銷毀 → 列表清空
	c1.Close()

	require.Eventually(t, func() bool {
		if err := c2.WriteJSON(map[string]any{"type": "list_rooms"}); err != nil {
			return false
		}
		if err := c2.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return false
		}
		for {
			var envelope wsEnvelope
			if err := c2.ReadJSON(&envelope); err != nil {
				return false
			}
			if envelope.Event != "rooms_update" {
				continue
			}
			var rooms []internal.RoomSummary
			if err := json.Unmarshal(envelope.Data, &rooms); err != nil {
				return false
			}
			return len(rooms) == 0
		}
	}, 3*time.Second, 50*time.Millisecond)
}

// TestWS_ReconnectKeepsRoom 測試同一參與者重新連接不影響其房間
func TestWS_ReconnectKeepsRoom(t *testing.T) {
	server, registry := setupWSTest(t)

	c1 := dialWS(t, server, "p1", "小明")
	waitForEvent(t, c1, "welcome")

	send(t, c1, "create_room", map[string]any{
		"track":       "mini",
		"laps":        1,
		"max_players": 2,
	})
	waitForEvent(t, c1, "room_created")

	// 同一 player_id 重新連接：舊連接被新連接取代並由服務端關閉
	c2 := dialWS(t, server, "p1", "小明")
	waitForEvent(t, c2, "welcome")

	// 舊連接的收尾不得把重新連上的參與者踢出房間
	time.Sleep(100 * time.Millisecond)

	roomID, inRoom := registry.ParticipantRoom("p1")
	require.True(t, inRoom, "重新連接後參與者仍應在房間中")

	match, err := registry.GetMatch(roomID)
	require.NoError(t, err, "房間不得因舊連接收尾而被銷毀")
	assert.Contains(t, match.ParticipantIDs(), "p1")
}

// TestHub_StopTerminatesPumps 測試 Stop 等待所有 goroutine 退出
func TestHub_StopTerminatesPumps(t *testing.T) {
	registry := internal.NewRegistry(wsTestConfig(), testLogger())
	hub := internal.NewHub(registry, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	server := httptest.NewServer(mux)
	defer server.Close()

	conn := dialWS(t, server, "p1", "小明")
	waitForEvent(t, conn, "welcome")

	// 創建房間讓事件泵跑起來（比賽事件通道仍開著）
	send(t, conn, "create_room", map[string]any{
		"track":       "mini",
		"laps":        1,
		"max_players": 2,
	})
	waitForEvent(t, conn, "room_created")

	// Stop 必須等事件泵與監聽 goroutine 都退出後才返回，
	// 而不是被仍然開著的比賽事件通道卡住
	done := make(chan struct{})
	go func() {
		hub.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop 不應被存活的事件泵卡住")
	}

	registry.Stop()
}
