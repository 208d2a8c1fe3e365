package internal

import "errors"

// 錯誤分類
//
// 參與者可見的錯誤只回給發起動作的那一位，永不廣播。
// 無效／超速／越界的移動不是錯誤——直接靜默丟棄（見 Match.Move）。
var (
	// ErrRoomNotFound 指向不存在的房間
	ErrRoomNotFound = errors.New("房間不存在")

	// ErrRoomNotJoinable 房間存在但已滿或已過 waiting 狀態
	ErrRoomNotJoinable = errors.New("房間已滿或已開賽")

	// ErrAlreadyInRoom 參與者已在某個房間中（全 Registry 至多一個）
	ErrAlreadyInRoom = errors.New("玩家已在房間中")
)
