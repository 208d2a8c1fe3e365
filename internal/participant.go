package internal

import (
	"math/rand/v2"
	"time"
)

// Direction 移動方向（四個基本方向，一次一步）
type Direction string

const (
	DirUp    Direction = "UP"
	DirDown  Direction = "DOWN"
	DirLeft  Direction = "LEFT"
	DirRight Direction = "RIGHT"
)

// Offset 方向對應的座標位移
func (d Direction) Offset() (dr, dc int, ok bool) {
	switch d {
	case DirUp:
		return -1, 0, true
	case DirDown:
		return 1, 0, true
	case DirLeft:
		return 0, -1, true
	case DirRight:
		return 0, 1, true
	default:
		return 0, 0, false
	}
}

// 參與者顏色調色盤
//
// 顏色隨機抽取、允許重複：同房兩位參與者可能拿到相同顏色，
// 這是既定行為，不做去重。
var colorPalette = []string{
	"#FF0000", "#00FF00", "#0000FF", "#FFFF00", "#00FFFF", "#FF00FF",
}

// 道具箱可掉落的道具
var itemPool = []string{"turbo", "shield", "banana"}

// Participant 一位賽車手在單場比賽內的可變狀態
//
// 純資料持有者：Participant 自己不做任何合法性檢查，
// 所有移動驗證集中在 Match + Track（單一責任點，避免驗證邏輯分散）。
type Participant struct {
	ID       string `json:"player_id"`
	Nickname string `json:"nickname"`
	Color    string `json:"color"`

	Row int `json:"row"`
	Col int `json:"col"`

	IsReady       bool  `json:"is_ready"`
	LapsCompleted int   `json:"laps_completed"`
	Finished      bool  `json:"finished"`
	FinishTime    int64 `json:"finish_time"` // 比賽開始起算的毫秒數，僅 Finished 時有效

	LastMoveAt time.Time `json:"-"` // 移動速率限制用
	LastLapAt  time.Time `json:"-"` // 計圈防彈跳用

	Inventory    string `json:"inventory,omitempty"`     // 持有中的單一道具
	ActiveEffect string `json:"active_effect,omitempty"` // 生效中的狀態
	joinOrder    int    // 加入順序（排名的穩定 tiebreak）
}

// NewParticipant 創建參與者（加入比賽時才創建，位置由 Match 指派）
func NewParticipant(id, nickname string) *Participant {
	return &Participant{
		ID:       id,
		Nickname: nickname,
		Color:    randomColor(),
	}
}

// PlaceAt 無條件寫入位置
//
// 只由 Match 在出生點指派與已驗證的移動時呼叫。
func (p *Participant) PlaceAt(row, col int) {
	p.Row = row
	p.Col = col
}

func randomColor() string {
	return colorPalette[rand.IntN(len(colorPalette))]
}

func randomItem() string {
	return itemPool[rand.IntN(len(itemPool))]
}
