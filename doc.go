// Package racing 提供了一個多人即時賽車比賽的協調服務。
//
// 實現了短生命週期、多參與者的賽車比賽編排：參與者被分組到房間，
// 每個房間運行一台獨立的比賽狀態機，位置與圈數更新經過驗證後
// 嚴格按序廣播給房間內所有參與者。
//
// 比賽狀態機
//
// 每場比賽是一台單向狀態機：
//
//	waiting → starting → active → finished
//
// 狀態轉換規則：
//   - waiting → starting：房間滿員（≥2 人）且全員準備，進入 3 秒倒數
//   - starting → active：倒數結束無條件開賽（中途離開不取消倒數）
//   - active → finished：所有參與者完賽
//   - 任何狀態 → finished：最後一位參與者離開
//
// 移動驗證與防作弊
//
// 每一次移動請求經過四道檢查，任一不過即靜默丟棄：
//   - 比賽必須處於 active 狀態
//   - 參與者尚未完賽
//   - 距離上一次被接受的移動至少 100 毫秒（硬下限，突發被剪裁到
//     每秒恰好 10 次）
//   - 目標格（單步基本方向）依賽道模型可通行
//
// 計圈採用邊緣判定：從非起跑格踏上起跑格才算一圈，且兩圈之間
// 至少間隔 10 秒（防止站在線上或來回彈跳灌圈數）。
//
// 併發模型
//
// 每場比賽一把讀寫鎖：同場動作序列化、不同場互不阻塞。
// 註冊表持有自己獨立的鎖，只保護房間索引。所有可見變更
// 依序送出完整快照，接收端看到的比賽進度單調不回退。
//
// 使用範例
//
// 啟動服務器：
//
//	registry := internal.NewRegistry(cfg.Race, logger)
//	hub := internal.NewHub(registry, logger)
//	handler := internal.NewHandler(registry, hub, logger)
//
//	mux := http.NewServeMux()
//	mux.Handle("/", handler.Routes())
//	mux.HandleFunc("GET /ws", hub.ServeWS)
//	log.Fatal(http.ListenAndServe(":8080", mux))
//
// 客戶端透過 WebSocket 發送動作：
//
//	{"type": "create_room", "data": {"nickname": "小明", "track": "classic", "laps": 3, "max_players": 2}}
//	{"type": "player_ready"}
//	{"type": "player_input", "data": {"direction": "UP"}}
//
// 架構設計
//
// 系統採用分層架構設計：
//   - Track 層：不可變賽道網格與移動合法性
//   - Match 層：單房間狀態機（本套件的演算法核心）
//   - Registry 層：行程級房間生命週期管理
//   - Hub 層：WebSocket 即時通訊與廣播範圍控制
//   - Handler 層：唯讀 HTTP 輔助端點
//
// 資源回收
//
// 從未開賽的 waiting 房間超過 3 分鐘即被週期掃描（每分鐘）清除；
// starting/active/finished 的比賽不受此機制影響。比賽結果不做持久化，
// 排名永遠從當前參與者狀態即時計算。
package racing
