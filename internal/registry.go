package internal

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// 系統設計問題：
//   如何管理整個行程的所有比賽房間，而不讓任何一場比賽阻塞其他比賽？
//
// 核心挑戰：
//   1. 唯一所有權：Registry 是唯一能創建與銷毀 Match 的元件
//   2. 參與者索引：一個參與者在全 Registry 中至多出現在一個房間
//   3. 資源回收：從未開賽的 waiting 房間要定期清掉，避免無限堆積
//   4. 鎖粒度：Registry 的鎖只保護房間索引，不伸進單場比賽內部
//
// 設計方案：
//   ✅ 兩張索引表 - roomID → Match、participantID → roomID
//   ✅ RWMutex - 索引讀多寫少
//   ✅ Ticker 掃描 - 週期性清理過期 waiting 房
//   ✅ 事件通道 - 房間增減時通知 Hub 重播房間列表

// RoomSummary 可加入房間的摘要（只暴露列表需要的欄位，不含完整比賽狀態）
type RoomSummary struct {
	RoomID          string      `json:"room_id"`
	TrackName       string      `json:"track"`
	Occupancy       int         `json:"players"`
	MaxParticipants int         `json:"max_players"`
	Status          MatchStatus `json:"status"`
}

// Registry 行程級的比賽註冊表
type Registry struct {
	matches         map[string]*Match // roomID -> Match
	participantRoom map[string]string // participantID -> roomID

	mu     sync.RWMutex
	race   RaceConfig
	logger *slog.Logger
	events chan Event // 房間列表變更通知
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry 創建註冊表並啟動過期房間掃描
func NewRegistry(race RaceConfig, logger *slog.Logger) *Registry {
	r := &Registry{
		matches:         make(map[string]*Match),
		participantRoom: make(map[string]string),
		race:            race,
		logger:          logger,
		events:          make(chan Event, 100),
		stopCh:          make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// CreateMatch 創建比賽並把創建者加入為第一位參與者
//
// 賽道載入失敗直接作為創建失敗回傳，比賽不會被註冊。
func (r *Registry) CreateMatch(creatorID, nickname, trackName string, laps, maxParticipants int) (*Match, error) {
	if laps < 1 {
		return nil, fmt.Errorf("圈數必須至少為 1")
	}
	if maxParticipants < 2 || maxParticipants > 5 {
		return nil, fmt.Errorf("參與者上限必須在 2-5 之間")
	}

	track, err := LoadTrack(trackName)
	if err != nil {
		return nil, err
	}

	match := NewMatch(r.generateRoomID(), track, laps, maxParticipants, r.race.Timing(), r.logger)

	// 成員檢查與佔位必須在同一個臨界區完成：同一參與者的並發創建
	// 只有一個能通過（全域至多在一個房間的不變量）
	r.mu.Lock()
	if _, inRoom := r.participantRoom[creatorID]; inRoom {
		r.mu.Unlock()
		return nil, ErrAlreadyInRoom
	}
	r.matches[match.ID] = match
	r.participantRoom[creatorID] = match.ID
	r.mu.Unlock()

	if err := match.AddParticipant(NewParticipant(creatorID, nickname)); err != nil {
		// 回滾註冊，不留下索引殘渣
		r.mu.Lock()
		delete(r.matches, match.ID)
		if r.participantRoom[creatorID] == match.ID {
			delete(r.participantRoom, creatorID)
		}
		r.mu.Unlock()
		return nil, err
	}

	r.logger.Info("房間已創建",
		"room_id", match.ID,
		"track", trackName,
		"laps", laps,
		"max_players", maxParticipants,
		"creator", creatorID)

	r.emitListing()
	return match, nil
}

// JoinMatch 加入既有比賽
func (r *Registry) JoinMatch(roomID, participantID, nickname string) (*Match, error) {
	// 成員檢查與佔位在同一個臨界區：兩個帶同一參與者 ID 的並發加入
	// 只有一個能通過，另一個拿到 ErrAlreadyInRoom
	r.mu.Lock()
	if _, inRoom := r.participantRoom[participantID]; inRoom {
		r.mu.Unlock()
		return nil, ErrAlreadyInRoom
	}
	match, exists := r.matches[roomID]
	if !exists {
		r.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	r.participantRoom[participantID] = roomID
	r.mu.Unlock()

	if err := match.AddParticipant(NewParticipant(participantID, nickname)); err != nil {
		// 回滾佔位，加入失敗不得留下索引殘渣
		r.mu.Lock()
		if r.participantRoom[participantID] == roomID {
			delete(r.participantRoom, participantID)
		}
		r.mu.Unlock()
		return nil, err
	}

	r.logger.Info("玩家加入房間",
		"room_id", roomID,
		"player_id", participantID,
		"nickname", nickname)

	r.emitListing()
	return match, nil
}

// GetMatch 取得比賽
func (r *Registry) GetMatch(roomID string) (*Match, error) {
	r.mu.RLock()
	match, exists := r.matches[roomID]
	r.mu.RUnlock()

	if !exists {
		return nil, ErrRoomNotFound
	}
	return match, nil
}

// ParticipantRoom 查詢參與者所在房間
func (r *Registry) ParticipantRoom(participantID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, exists := r.participantRoom[participantID]
	return roomID, exists
}

// SetReady 轉送準備動作（未知房間為 no-op）
func (r *Registry) SetReady(roomID, participantID string) {
	match, err := r.GetMatch(roomID)
	if err != nil {
		return
	}
	match.SetReady(participantID)
}

// Move 轉送移動動作（未知房間為 no-op，其餘丟棄規則見 Match.Move）
func (r *Registry) Move(roomID, participantID string, dir Direction) {
	match, err := r.GetMatch(roomID)
	if err != nil {
		return
	}
	match.Move(participantID, dir)
}

// RemoveParticipant 把參與者從其所在的（至多一個）房間移除
//
// 房間清空即銷毀。不論結果如何一律發出列表變更通知。
func (r *Registry) RemoveParticipant(participantID string) {
	r.mu.Lock()
	roomID, exists := r.participantRoom[participantID]
	if exists {
		delete(r.participantRoom, participantID)
	}
	match := r.matches[roomID]
	r.mu.Unlock()

	if exists && match != nil {
		if empty := match.RemoveParticipant(participantID); empty {
			r.destroyMatch(roomID)
		}

		r.logger.Info("玩家離開房間",
			"room_id", roomID,
			"player_id", participantID)
	}

	r.emitListing()
}

// ListJoinable 列出可加入的房間（只含 waiting 狀態，依創建時間排序）
func (r *Registry) ListJoinable() []RoomSummary {
	r.mu.RLock()
	waiting := make([]*Match, 0, len(r.matches))
	for _, match := range r.matches {
		waiting = append(waiting, match)
	}
	r.mu.RUnlock()

	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})

	result := make([]RoomSummary, 0, len(waiting))
	for _, match := range waiting {
		match.Mu.RLock()
		if match.Status == StatusWaiting {
			result = append(result, RoomSummary{
				RoomID:          match.ID,
				TrackName:       match.Track.Name,
				Occupancy:       len(match.Participants),
				MaxParticipants: match.MaxParticipants,
				Status:          match.Status,
			})
		}
		match.Mu.RUnlock()
	}
	return result
}

// sweepLoop 週期性清理過期房間
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.race.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep 清理從未開賽的過期 waiting 房間
//
// starting/active/finished 的房間不在此機制的清理範圍內。
// 清理是盡力而為的維護工作，不對外拋出錯誤。
func (r *Registry) Sweep() {
	r.mu.RLock()
	var stale []string
	for roomID, match := range r.matches {
		if match.IsStale(r.race.StaleAfter) {
			stale = append(stale, roomID)
		}
	}
	r.mu.RUnlock()

	for _, roomID := range stale {
		r.destroyMatch(roomID)
		r.logger.Info("過期房間已清理", "room_id", roomID)
	}

	if len(stale) > 0 {
		r.emitListing()
	}
}

// destroyMatch 銷毀比賽並清掉所有索引（內部使用）
//
// 先關閉再清索引：關閉之後的加入一律被拒（見 Match.AddParticipant），
// 所以清理時讀到的參與者集合就是最終集合，不會有人在清理後才溜進來。
func (r *Registry) destroyMatch(roomID string) {
	r.mu.Lock()
	match, exists := r.matches[roomID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.matches, roomID)
	r.mu.Unlock()

	match.Close()

	r.mu.Lock()
	for _, participantID := range match.ParticipantIDs() {
		if r.participantRoom[participantID] == roomID {
			delete(r.participantRoom, participantID)
		}
	}
	r.mu.Unlock()

	r.logger.Info("房間已銷毀", "room_id", roomID)
}

// Events 取得房間列表變更通知通道
func (r *Registry) Events() <-chan Event {
	return r.events
}

// emitListing 發出列表變更事件（非阻塞，滿了就丟）
func (r *Registry) emitListing() {
	select {
	case r.events <- Event{Type: "rooms_update", Data: r.ListJoinable()}:
	default:
		r.logger.Warn("房間列表事件通道已滿，丟棄通知")
	}
}

// Stats 聚合統計
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statusCount := make(map[MatchStatus]int)
	totalPlayers := 0
	for _, match := range r.matches {
		statusCount[match.CurrentStatus()]++
		totalPlayers += match.ParticipantCount()
	}

	return map[string]any{
		"total_rooms":   len(r.matches),
		"total_players": totalPlayers,
		"by_status":     statusCount,
	}
}

// Stop 停止註冊表並銷毀所有比賽
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	matches := make([]*Match, 0, len(r.matches))
	for _, match := range r.matches {
		matches = append(matches, match)
	}
	r.matches = make(map[string]*Match)
	r.participantRoom = make(map[string]string)
	r.mu.Unlock()

	for _, match := range matches {
		match.Close()
	}

	r.logger.Info("註冊表已停止")
}

// generateRoomID 生成 5 碼可口頭分享的房間代碼（A-Z、0-9）
func (r *Registry) generateRoomID() string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for {
		b := make([]byte, 5)
		if _, err := rand.Read(b); err != nil {
			return fmt.Sprintf("R%d", time.Now().UnixNano()%100000)
		}
		for i := range b {
			b[i] = chars[int(b[i])%len(chars)]
		}
		id := string(b)

		r.mu.RLock()
		_, exists := r.matches[id]
		r.mu.RUnlock()
		if !exists {
			return id
		}
	}
}
