package internal

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// 系統設計問題：
//   如何表示賽道，讓每一次移動驗證都是 O(1) 且絕對安全？
//
// 核心挑戰：
//   1. 不可變性：賽道在比賽期間絕對不能被修改（所有移動驗證依賴它）
//   2. 邊界安全：任何座標查詢都必須先檢查邊界，再查格子
//   3. 載入驗證：格式錯誤的賽道必須在創建比賽前就被拒絕
//
// 設計方案：
//   ✅ 字串切片網格 - 載入後不再寫入，天然不可變
//   ✅ 哨兵值（TileVoid）- 越界查詢統一回傳 void，呼叫端不需特判
//   ✅ embed 內嵌賽道資源 - 部署時不依賴外部檔案

// TileKind 格子類型
type TileKind int

const (
	TileVoid    TileKind = iota // 越界哨兵（不可通行）
	TileWall                    // 牆壁
	TileRoad                    // 道路
	TileStart                   // 起跑線（計圈判定點）
	TileItemBox                 // 道具箱
)

// 賽道符號對應（沿用賽道檔案的字元約定）
//   'X'、'W' → 牆壁
//   'S'      → 起跑線
//   '?'      → 道具箱
//   其他     → 道路
func tileFromSymbol(symbol byte) TileKind {
	switch symbol {
	case 'X', 'W':
		return TileWall
	case 'S':
		return TileStart
	case '?':
		return TileItemBox
	default:
		return TileRoad
	}
}

// ErrTrackLoad 賽道載入失敗（來源不存在或格式錯誤）
var ErrTrackLoad = errors.New("賽道載入失敗")

// StartPosition 起跑格座標
type StartPosition struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// trackFile 賽道檔案格式
type trackFile struct {
	Name           string          `json:"name"`
	Theme          string          `json:"theme"`
	Grid           []string        `json:"grid"`
	StartPositions []StartPosition `json:"startPositions"`
}

// Track 賽道模型
//
// 不可變：載入完成後所有欄位只讀。每場比賽持有自己的 *Track，
// 比賽銷毀時一併丟棄，不同比賽之間不共享可變狀態。
type Track struct {
	Name           string
	Theme          string
	Grid           []string
	StartPositions []StartPosition
	Height         int
	Width          int
}

//go:embed tracks/*.json
var trackFS embed.FS

// LoadTrack 以名稱載入內嵌賽道
//
// 驗證規則（任一不符即回傳包裝過的 ErrTrackLoad，比賽不會被創建）：
//   - 網格非空
//   - 每一列長度一致
//   - 至少一個起跑格
//   - 所有起跑格在界內且可通行
func LoadTrack(name string) (*Track, error) {
	data, err := trackFS.ReadFile("tracks/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("%w: 找不到賽道 %q", ErrTrackLoad, name)
	}
	return ParseTrack(name, data)
}

// ParseTrack 解析並驗證一份賽道定義
func ParseTrack(name string, data []byte) (*Track, error) {
	var file trackFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: 賽道 %q 格式錯誤: %v", ErrTrackLoad, name, err)
	}
	return newTrack(name, file)
}

// newTrack 從已解析的賽道檔案建構並驗證 Track
func newTrack(name string, file trackFile) (*Track, error) {
	if len(file.Grid) == 0 {
		return nil, fmt.Errorf("%w: 賽道 %q 網格為空", ErrTrackLoad, name)
	}

	width := len(file.Grid[0])
	for i, row := range file.Grid {
		if len(row) != width {
			return nil, fmt.Errorf("%w: 賽道 %q 第 %d 列長度不一致（%d != %d）",
				ErrTrackLoad, name, i, len(row), width)
		}
	}

	if len(file.StartPositions) == 0 {
		return nil, fmt.Errorf("%w: 賽道 %q 沒有起跑格", ErrTrackLoad, name)
	}

	track := &Track{
		Name:           file.Name,
		Theme:          file.Theme,
		Grid:           file.Grid,
		StartPositions: file.StartPositions,
		Height:         len(file.Grid),
		Width:          width,
	}
	if track.Name == "" {
		track.Name = name
	}

	for i, pos := range file.StartPositions {
		if !track.IsPassable(pos.Row, pos.Col) {
			return nil, fmt.Errorf("%w: 賽道 %q 起跑格 %d（%d,%d）不可通行",
				ErrTrackLoad, name, i, pos.Row, pos.Col)
		}
	}

	return track, nil
}

// inBounds 邊界檢查（必須先於任何格子查詢）
func (t *Track) inBounds(row, col int) bool {
	return row >= 0 && row < t.Height && col >= 0 && col < t.Width
}

// TileAt 查詢格子類型
//
// 越界回傳 TileVoid 哨兵而非錯誤，讓呼叫端把界外統一當作不可通行。
func (t *Track) TileAt(row, col int) TileKind {
	if !t.inBounds(row, col) {
		return TileVoid
	}
	return tileFromSymbol(t.Grid[row][col])
}

// IsPassable 目標格是否可通行（界外或牆壁為否）
func (t *Track) IsPassable(row, col int) bool {
	if !t.inBounds(row, col) {
		return false
	}
	return tileFromSymbol(t.Grid[row][col]) != TileWall
}

// StartSlot 取得第 n 個起跑格
//
// 參與者超過起跑格數量時輪流重用（round-robin）。
func (t *Track) StartSlot(n int) StartPosition {
	return t.StartPositions[n%len(t.StartPositions)]
}

// ListTracks 列出所有可用的內嵌賽道名稱（依字母排序）
func ListTracks() []string {
	entries, err := trackFS.ReadDir("tracks")
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".json") {
			names = append(names, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(names)
	return names
}
