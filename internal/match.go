package internal

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// 系統設計問題：
//   如何讓一個房間的比賽狀態機在高頻移動輸入下保持正確與即時？
//
// 核心挑戰：
//   1. 狀態管理：比賽有嚴格的單向狀態轉換（waiting → starting → active → finished）
//   2. 並發控制：多位參與者同時操作同一場比賽（準備、移動、離開）
//   3. 防作弊：移動速率限制（每位參與者 100ms 硬下限）、計圈防彈跳（10 秒）
//   4. 定時轉換：倒數計時器觸發的轉換必須對已銷毀的比賽安全無效
//
// 設計方案：
//   ✅ 有限狀態機 - 轉換永不倒退，finished 為終態
//   ✅ RWMutex - 每場比賽一把鎖，同場動作序列化、不同場互不阻塞
//   ✅ 事件通道 - 每次可見變更依序送出完整快照
//   ✅ time.AfterFunc + closed 旗標 - 計時器晚於銷毀觸發時安全落空

// MatchStatus 比賽狀態
//
// 狀態轉換規則：
//   - waiting → starting：人數到達上限（≥2）且全員準備
//   - starting → active：3 秒倒數結束（無條件，不重新驗證準備狀態）
//   - active → finished：所有參與者完賽
//   - 任何狀態 → finished：最後一位參與者離開（房間清空即終結）
type MatchStatus string

const (
	StatusWaiting  MatchStatus = "waiting"  // 等待參與者加入與準備
	StatusStarting MatchStatus = "starting" // 倒數計時中
	StatusActive   MatchStatus = "active"   // 比賽進行中
	StatusFinished MatchStatus = "finished" // 比賽結束（終態）
)

// Event 比賽事件（送往該房間所有參與者）
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

// MatchSnapshot 比賽完整快照
//
// 欄位順序與參與者排序（依加入順序）固定，
// 無動作間隔的兩次查詢序列化結果逐位元相同。
type MatchSnapshot struct {
	ID              string        `json:"room_id"`
	Status          MatchStatus   `json:"status"`
	TrackName       string        `json:"track"`
	RequiredLaps    int           `json:"required_laps"`
	MaxParticipants int           `json:"max_players"`
	StartedAt       int64         `json:"started_at"` // Unix 毫秒，未開始為 0
	Participants    []Participant `json:"players"`
}

// Match 一場獨立的比賽
//
// 系統設計考量：
//
//  1. 並發控制（RWMutex）：
//     同一場比賽的兩個動作絕不交錯修改共享狀態；
//     不同比賽各持有自己的鎖，彼此完全獨立。
//
//  2. 事件驅動（events chan）：
//     每次可見變更 → 送出完整快照 → Hub 廣播給房間成員。
//     緩衝 channel 保留送出順序，接收端看到的比賽進度單調不回退。
//
//  3. 定時器安全（closed 旗標）：
//     倒數計時器以 AfterFunc 排程；比賽若先被銷毀，
//     觸發時檢查 closed 後直接落空，不產生任何副作用。
type Match struct {
	ID              string
	Track           *Track
	RequiredLaps    int
	MaxParticipants int
	Status          MatchStatus
	CreatedAt       time.Time
	StartedAt       time.Time

	Participants map[string]*Participant

	Mu     sync.RWMutex
	timing RaceTiming
	logger *slog.Logger
	events chan Event
	closed bool
	seq    int // 加入順序計數器
}

// NewMatch 創建比賽（只由 Registry 呼叫）
func NewMatch(id string, track *Track, requiredLaps, maxParticipants int, timing RaceTiming, logger *slog.Logger) *Match {
	return &Match{
		ID:              id,
		Track:           track,
		RequiredLaps:    requiredLaps,
		MaxParticipants: maxParticipants,
		Status:          StatusWaiting,
		CreatedAt:       time.Now(),
		Participants:    make(map[string]*Participant),
		timing:          timing,
		logger:          logger,
		events:          make(chan Event, 100),
	}
}

// AddParticipant 加入參與者
//
// 只允許在 waiting 狀態加入；出生點依加入順序輪流取用起跑格。
// 已銷毀（closed）的比賽一律拒絕——拿著舊指標的呼叫端不會把
// 參與者塞進一個已不存在於註冊表的房間。
func (m *Match) AddParticipant(p *Participant) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.closed || m.Status != StatusWaiting {
		return ErrRoomNotJoinable
	}
	if len(m.Participants) >= m.MaxParticipants {
		return ErrRoomNotJoinable
	}
	if _, exists := m.Participants[p.ID]; exists {
		return ErrAlreadyInRoom
	}

	slot := m.Track.StartSlot(len(m.Participants))
	p.PlaceAt(slot.Row, slot.Col)
	p.joinOrder = m.seq
	m.seq++

	m.Participants[p.ID] = p
	m.emitSnapshot()
	return nil
}

// RemoveParticipant 移除參與者
//
// 移除本身不造成任何前進的狀態轉換，唯一例外：
// 房間清空時直接視為 finished（隨後由 Registry 銷毀）。
// 回傳房間是否已清空。
func (m *Match) RemoveParticipant(participantID string) (empty bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if _, exists := m.Participants[participantID]; !exists {
		return len(m.Participants) == 0
	}

	delete(m.Participants, participantID)

	if len(m.Participants) == 0 {
		m.Status = StatusFinished
		return true
	}

	m.emitSnapshot()
	return false
}

// SetReady 設定參與者為已準備
//
// 未知參與者或非 waiting 狀態為 no-op（不回傳錯誤）。
// 每次準備變更後檢查開賽條件。
func (m *Match) SetReady(participantID string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.Status != StatusWaiting {
		return
	}
	p, exists := m.Participants[participantID]
	if !exists {
		m.logger.Warn("準備動作指向不存在的參與者",
			"room_id", m.ID,
			"player_id", participantID)
		return
	}

	p.IsReady = true
	m.emitSnapshot()
	m.checkStartCondition()
}

// checkStartCondition 檢查開賽條件（呼叫端需持有寫鎖）
//
// 三個條件全部成立才轉換到 starting：
//   (a) 參與者 ≥ 2
//   (b) 房間已滿（人數 == 上限，未滿的房間不能提前開賽）
//   (c) 所有參與者皆已準備
//
// 轉換後立刻廣播並掛上一次性倒數計時器。倒數一旦開始就不再
// 重新驗證——參與者中途離開不取消倒數，比賽照表開打（既定行為）。
func (m *Match) checkStartCondition() {
	if len(m.Participants) < 2 {
		return
	}
	if len(m.Participants) < m.MaxParticipants {
		return
	}
	for _, p := range m.Participants {
		if !p.IsReady {
			return
		}
	}

	m.Status = StatusStarting
	m.emitSnapshot()
	time.AfterFunc(m.timing.Countdown, m.activate)

	m.logger.Info("比賽進入倒數",
		"room_id", m.ID,
		"players", len(m.Participants),
		"countdown", m.timing.Countdown)
}

// activate 倒數結束 → 比賽開始
//
// 計時器觸發時比賽可能已被銷毀，closed 或狀態不符時安全落空。
func (m *Match) activate() {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.closed || m.Status != StatusStarting {
		return
	}

	m.Status = StatusActive
	m.StartedAt = time.Now()
	m.emitSnapshot()

	m.logger.Info("比賽開始", "room_id", m.ID)
}

// Move 處理移動請求
//
// 以下情況靜默丟棄（不回傳錯誤、不廣播——參與者會在下一個輸入
// 週期自然重試）：
//   - 比賽不在 active 狀態
//   - 參與者不存在或已完賽
//   - 距離上一次「被接受」的移動不足速率下限（預設 100ms）
//   - 目標格（目前位置朝單一方向移一步）不可通行
//
// 每一次被接受的移動恰好修改一位參與者並廣播一次快照，不做批次合併。
func (m *Match) Move(participantID string, dir Direction) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.Status != StatusActive {
		return
	}
	p, exists := m.Participants[participantID]
	if !exists {
		m.logger.Warn("移動動作指向不存在的參與者",
			"room_id", m.ID,
			"player_id", participantID)
		return
	}
	if p.Finished {
		return
	}

	now := time.Now()
	if now.Sub(p.LastMoveAt) < m.timing.MoveInterval {
		return
	}

	dr, dc, ok := dir.Offset()
	if !ok {
		return
	}
	newRow, newCol := p.Row+dr, p.Col+dc
	if !m.Track.IsPassable(newRow, newCol) {
		return
	}

	prevTile := m.Track.TileAt(p.Row, p.Col)
	destTile := m.Track.TileAt(newRow, newCol)

	// 計圈判定：從非起跑格踏上起跑格的邊緣轉換才算一圈，
	// 且距離上一圈至少要過防彈跳時間（站在線上或來回彈跳不灌圈數）。
	if destTile == TileStart && prevTile != TileStart {
		if now.Sub(p.LastLapAt) >= m.timing.LapDebounce {
			p.LapsCompleted++
			p.LastLapAt = now

			// 起跑格出發後第一次踏上即為第 1 圈，所以完賽條件是
			// 圈數「超過」要求圈數（需多跨線一次）。
			if p.LapsCompleted > m.RequiredLaps {
				p.Finished = true
				p.FinishTime = now.Sub(m.StartedAt).Milliseconds()
				m.checkFinishCondition()
			}
		}
	}

	// 道具箱：空手踏上時撿起一個道具（沒有使用動作，純持有）
	if destTile == TileItemBox && p.Inventory == "" {
		p.Inventory = randomItem()
	}

	p.PlaceAt(newRow, newCol)
	p.LastMoveAt = now
	m.emitSnapshot()
}

// checkFinishCondition 全局完賽檢查（呼叫端需持有寫鎖）
//
// 所有參與者都完賽才轉換到 finished。沒有卡賽超時機制：
// 一位永不完賽的參與者會讓比賽停在 active（既定限制，不自作主張修補）。
func (m *Match) checkFinishCondition() {
	for _, p := range m.Participants {
		if !p.Finished {
			return
		}
	}
	m.Status = StatusFinished

	m.logger.Info("比賽結束", "room_id", m.ID)
}

// Snapshot 取得完整快照（一次性拉取）
func (m *Match) Snapshot() MatchSnapshot {
	m.Mu.RLock()
	defer m.Mu.RUnlock()
	return m.snapshotLocked()
}

// snapshotLocked 建構快照（呼叫端需持有鎖）
func (m *Match) snapshotLocked() MatchSnapshot {
	players := make([]Participant, 0, len(m.Participants))
	for _, p := range m.Participants {
		players = append(players, *p)
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].joinOrder < players[j].joinOrder
	})

	var startedAt int64
	if !m.StartedAt.IsZero() {
		startedAt = m.StartedAt.UnixMilli()
	}

	return MatchSnapshot{
		ID:              m.ID,
		Status:          m.Status,
		TrackName:       m.Track.Name,
		RequiredLaps:    m.RequiredLaps,
		MaxParticipants: m.MaxParticipants,
		StartedAt:       startedAt,
		Participants:    players,
	}
}

// Standings 即時排名（不儲存，需要時從當前狀態計算）
//
// 排序規則：完賽者在前（完賽時間升冪）；未完賽者在後（圈數降冪）；
// 圈數相同的未完賽者維持加入順序（穩定排序，不做次要 tiebreak）。
func (m *Match) Standings() []Participant {
	m.Mu.RLock()
	defer m.Mu.RUnlock()

	players := make([]Participant, 0, len(m.Participants))
	for _, p := range m.Participants {
		players = append(players, *p)
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].joinOrder < players[j].joinOrder
	})
	sort.SliceStable(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if a.Finished != b.Finished {
			return a.Finished
		}
		if a.Finished {
			return a.FinishTime < b.FinishTime
		}
		return a.LapsCompleted > b.LapsCompleted
	})
	return players
}

// emitSnapshot 送出快照事件（呼叫端需持有寫鎖）
//
// 非阻塞送出：通道滿時丟棄並記錄，不讓慢速消費者阻塞比賽邏輯。
func (m *Match) emitSnapshot() {
	if m.closed {
		return
	}

	event := Event{Type: "game_update", Data: m.snapshotLocked()}
	select {
	case m.events <- event:
	default:
		m.logger.Warn("比賽事件通道已滿，丟棄快照", "room_id", m.ID)
	}
}

// Events 取得事件通道
func (m *Match) Events() <-chan Event {
	return m.events
}

// Close 關閉比賽（冪等）
//
// 關閉後事件通道關閉、晚到的計時器觸發落空。只由 Registry 呼叫。
func (m *Match) Close() {
	m.Mu.Lock()
	if m.closed {
		m.Mu.Unlock()
		return
	}
	m.closed = true
	m.Mu.Unlock()

	close(m.events)
}

// IsStale 是否為過期房間（從未開賽且超過存活門檻的 waiting 房）
//
// starting/active/finished 的比賽永遠不會被判定過期。
func (m *Match) IsStale(threshold time.Duration) bool {
	m.Mu.RLock()
	defer m.Mu.RUnlock()
	return m.Status == StatusWaiting && time.Since(m.CreatedAt) > threshold
}

// ParticipantIDs 目前所有參與者的 ID
func (m *Match) ParticipantIDs() []string {
	m.Mu.RLock()
	defer m.Mu.RUnlock()

	ids := make([]string, 0, len(m.Participants))
	for id := range m.Participants {
		ids = append(ids, id)
	}
	return ids
}

// ParticipantCount 參與者數量
func (m *Match) ParticipantCount() int {
	m.Mu.RLock()
	defer m.Mu.RUnlock()
	return len(m.Participants)
}

// CurrentStatus 目前狀態
func (m *Match) CurrentStatus() MatchStatus {
	m.Mu.RLock()
	defer m.Mu.RUnlock()
	return m.Status
}
