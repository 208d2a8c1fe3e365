package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把比賽狀態即時推給每一位參與者，同時把參與者的輸入導進正確的比賽？
//
// 核心挑戰：
//   1. 實時推送：比賽每一次可見變更都要立即廣播給該房間的所有成員
//   2. 範圍隔離：錯誤只回給發起者；房間快照只給房間成員；列表更新全行程廣播
//   3. 連接管理：斷線視為離開房間；心跳檢測死連接
//   4. 順序保證：同一比賽的快照必須按事件產生順序送達
//
// 設計方案：
//   ✅ Hub 模式 - 以參與者 ID 為鍵集中管理連接
//   ✅ 每場比賽一條事件泵 goroutine - 依序消費比賽事件並廣播
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝送出通道 - 慢速客戶端不阻塞比賽邏輯

// Hub WebSocket 連接中心
type Hub struct {
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	connections map[string]*Connection // participantID -> Connection
	pumps       map[string]bool        // roomID -> 事件泵已啟動
	mu          sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Connection 一位參與者的 WebSocket 連接
type Connection struct {
	ParticipantID string
	Nickname      string
	Conn          *websocket.Conn
	Send          chan []byte
	Hub           *Hub
	LastPing      time.Time
	mu            sync.Mutex
	closeOnce     sync.Once // 確保 Send 只關閉一次
}

// clientMessage 入站動作的通用外殼
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// 入站動作的資料格式
type createRoomPayload struct {
	Nickname   string `json:"nickname"`
	Track      string `json:"track"`
	Laps       int    `json:"laps"`
	MaxPlayers int    `json:"max_players"`
}

type joinRoomPayload struct {
	RoomID   string `json:"room_id"`
	Nickname string `json:"nickname"`
}

type movePayload struct {
	Direction Direction `json:"direction"`
}

// NewHub 創建 Hub 並啟動註冊表事件監聽
func NewHub(registry *Registry, logger *slog.Logger) *Hub {
	hub := &Hub{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]*Connection),
		pumps:       make(map[string]bool),
		stopCh:      make(chan struct{}),
	}

	hub.wg.Add(1)
	go hub.registryEventLoop()

	return hub
}

// ServeWS 處理 WebSocket 連接
//
// player_id 由傳輸層提供（查詢參數）；缺省時鑄造一個新的 UUID，
// 並以 welcome 事件告知客戶端其被指派的 ID。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("player_id")
	if participantID == "" {
		participantID = uuid.New().String()
	}
	nickname := r.URL.Query().Get("nickname")

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		ParticipantID: participantID,
		Nickname:      nickname,
		Conn:          conn,
		Send:          make(chan []byte, 256),
		Hub:           hub,
		LastPing:      time.Now(),
	}

	hub.register(connection)

	go connection.writePump()
	go connection.readPump()

	connection.sendEvent(Event{Type: "welcome", Data: map[string]any{
		"player_id": participantID,
	}})
	connection.sendEvent(Event{Type: "rooms_update", Data: hub.registry.ListJoinable()})

	hub.logger.Info("WebSocket 連接建立", "player_id", participantID)
}

// register 註冊連接（同一參與者的舊連接會被關閉）
func (hub *Hub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if oldConn, exists := hub.connections[conn.ParticipantID]; exists {
		oldConn.closeOnce.Do(func() {
			close(oldConn.Send)
		})
		oldConn.Conn.Close()
	}

	hub.connections[conn.ParticipantID] = conn
}

// unregister 取消註冊連接
//
// 回傳本連接是否仍是該參與者的現役連接。同一參與者重新連接時
// 舊連接已被新連接取代，此時回傳 false，呼叫端不得再以參與者
// 身份做收尾動作（例如把對方踢出房間）。
func (hub *Hub) unregister(conn *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, exists := hub.connections[conn.ParticipantID]; exists && actual == conn {
		delete(hub.connections, conn.ParticipantID)
		conn.closeOnce.Do(func() {
			close(conn.Send)
		})
		return true
	}
	return false
}

// broadcastTo 廣播訊息給指定參與者
func (hub *Hub) broadcastTo(participantIDs []string, message []byte) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for _, id := range participantIDs {
		conn, exists := hub.connections[id]
		if !exists {
			continue
		}
		select {
		case conn.Send <- message:
		default:
			// 連接緩衝區滿，丟棄（慢客戶端不拖累整個房間）
			hub.logger.Warn("連接緩衝區滿", "player_id", id)
		}
	}
}

// broadcastAll 廣播訊息給所有連接（房間列表更新用）
func (hub *Hub) broadcastAll(message []byte) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for id, conn := range hub.connections {
		select {
		case conn.Send <- message:
		default:
			hub.logger.Warn("連接緩衝區滿", "player_id", id)
		}
	}
}

// registryEventLoop 監聽註冊表的房間列表變更並全行程廣播
func (hub *Hub) registryEventLoop() {
	defer hub.wg.Done()

	for {
		select {
		case event, ok := <-hub.registry.Events():
			if !ok {
				return
			}
			message, err := json.Marshal(event)
			if err != nil {
				hub.logger.Error("序列化列表事件失敗", "error", err)
				continue
			}
			hub.broadcastAll(message)
		case <-hub.stopCh:
			return
		}
	}
}

// ensurePump 確保該比賽有一條事件泵 goroutine
//
// 事件泵依序消費比賽事件通道並廣播給當下的房間成員，
// 通道順序即通知順序。比賽銷毀時通道關閉，泵自然退出。
func (hub *Hub) ensurePump(match *Match) {
	hub.mu.Lock()
	if hub.pumps[match.ID] {
		hub.mu.Unlock()
		return
	}
	hub.pumps[match.ID] = true
	hub.mu.Unlock()

	hub.wg.Add(1)
	go func() {
		defer hub.wg.Done()
		defer func() {
			hub.mu.Lock()
			delete(hub.pumps, match.ID)
			hub.mu.Unlock()
		}()

		for {
			select {
			case event, ok := <-match.Events():
				if !ok {
					return
				}
				message, err := json.Marshal(event)
				if err != nil {
					hub.logger.Error("序列化比賽事件失敗",
						"error", err,
						"room_id", match.ID)
					continue
				}
				hub.broadcastTo(match.ParticipantIDs(), message)
			case <-hub.stopCh:
				return
			}
		}
	}()
}

// Stop 停止 Hub 並關閉所有連接
//
// 先等所有事件泵與監聽 goroutine 退出，再關連接，
// Stop 返回後不再有任何 Hub 持有的 goroutine 存活。
func (hub *Hub) Stop() {
	close(hub.stopCh)
	hub.wg.Wait()

	hub.mu.Lock()
	for _, conn := range hub.connections {
		conn.closeOnce.Do(func() {
			close(conn.Send)
		})
		conn.Conn.Close()
	}
	hub.connections = make(map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("WebSocket Hub 已停止")
}

// ConnectionCount 目前連接數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// readPump 讀取客戶端訊息
//
// 心跳（讀取端）：60 秒內沒有任何訊息（含 Pong）就關閉連接，
// 配合 writePump 的 54 秒 Ping 留 6 秒餘量。
// 連接結束即視為離開房間（斷線等同 leave_room）——除非本連接
// 已被同一參與者的新連接取代，此時收尾不得動到對方的房間狀態。
func (c *Connection) readPump() {
	defer func() {
		stillCurrent := c.Hub.unregister(c)
		c.Conn.Close()
		if stillCurrent {
			c.Hub.registry.RemoveParticipant(c.ParticipantID)
		}
	}()

	if err := c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"player_id", c.ParticipantID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入訊息到客戶端
//
// 心跳（發送端）：每 54 秒發一次 Ping，避開常見的 60 秒代理超時。
func (c *Connection) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				deadline := time.Now().Add(time.Second)
				if err := c.Conn.SetWriteDeadline(deadline); err == nil {
					_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量送出佇列中的訊息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					c.Hub.logger.Error("發送訊息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 分派入站動作
func (c *Connection) handleMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.Hub.logger.Error("解析客戶端訊息失敗",
			"error", err,
			"player_id", c.ParticipantID)
		return
	}

	switch msg.Type {
	case "create_room":
		c.handleCreateRoom(msg.Data)
	case "join_room":
		c.handleJoinRoom(msg.Data)
	case "player_ready":
		c.handleReady()
	case "player_input":
		c.handleInput(msg.Data)
	case "get_state":
		c.handleGetState()
	case "leave_room":
		c.Hub.registry.RemoveParticipant(c.ParticipantID)
	case "list_rooms":
		c.sendEvent(Event{Type: "rooms_update", Data: c.Hub.registry.ListJoinable()})
	default:
		c.Hub.logger.Debug("收到未知訊息類型",
			"type", msg.Type,
			"player_id", c.ParticipantID)
	}
}

func (c *Connection) handleCreateRoom(data json.RawMessage) {
	var payload createRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("無效的請求格式")
		return
	}
	if payload.Nickname == "" {
		payload.Nickname = c.Nickname
	}

	match, err := c.Hub.registry.CreateMatch(
		c.ParticipantID,
		payload.Nickname,
		payload.Track,
		payload.Laps,
		payload.MaxPlayers,
	)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.Hub.ensurePump(match)
	c.sendEvent(Event{Type: "room_created", Data: map[string]any{
		"room_id": match.ID,
	}})
}

func (c *Connection) handleJoinRoom(data json.RawMessage) {
	var payload joinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("無效的請求格式")
		return
	}
	if payload.Nickname == "" {
		payload.Nickname = c.Nickname
	}

	match, err := c.Hub.registry.JoinMatch(payload.RoomID, c.ParticipantID, payload.Nickname)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.Hub.ensurePump(match)
	c.sendEvent(Event{Type: "joined_room", Data: map[string]any{
		"room_id": match.ID,
	}})
}

func (c *Connection) handleReady() {
	roomID, ok := c.Hub.registry.ParticipantRoom(c.ParticipantID)
	if !ok {
		return
	}
	c.Hub.registry.SetReady(roomID, c.ParticipantID)
}

func (c *Connection) handleInput(data json.RawMessage) {
	var payload movePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	roomID, ok := c.Hub.registry.ParticipantRoom(c.ParticipantID)
	if !ok {
		return
	}
	c.Hub.registry.Move(roomID, c.ParticipantID, payload.Direction)
}

func (c *Connection) handleGetState() {
	roomID, ok := c.Hub.registry.ParticipantRoom(c.ParticipantID)
	if !ok {
		c.sendError(ErrRoomNotFound.Error())
		return
	}
	match, err := c.Hub.registry.GetMatch(roomID)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.sendEvent(Event{Type: "game_update", Data: match.Snapshot()})
}

// sendEvent 送事件給本連接（錯誤與單播回應只給發起者）
func (c *Connection) sendEvent(event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		c.Hub.logger.Error("序列化事件失敗", "error", err)
		return
	}
	select {
	case c.Send <- message:
	default:
	}
}

func (c *Connection) sendError(message string) {
	c.sendEvent(Event{Type: "error", Data: map[string]any{
		"message": message,
	}})
}
