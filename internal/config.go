package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服務配置
//
// 從 YAML 檔案載入；零值欄位套用預設值，讓配置檔只需要寫出
// 想覆蓋的部分。
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`  // debug/info/warn/error
		Format string `yaml:"format"` // text/json
	} `yaml:"log"`

	Race RaceConfig `yaml:"race"`
}

// RaceConfig 比賽時序參數
type RaceConfig struct {
	Countdown     time.Duration `yaml:"countdown"`      // 開賽倒數
	MoveInterval  time.Duration `yaml:"move_interval"`  // 每位參與者的移動速率下限
	LapDebounce   time.Duration `yaml:"lap_debounce"`   // 計圈防彈跳
	StaleAfter    time.Duration `yaml:"stale_after"`    // waiting 房間的存活門檻
	SweepInterval time.Duration `yaml:"sweep_interval"` // 過期房間掃描週期
}

// RaceTiming 傳給單場比賽的時序子集
type RaceTiming struct {
	Countdown    time.Duration
	MoveInterval time.Duration
	LapDebounce  time.Duration
}

// DefaultConfig 預設配置
//
// 時序常數沿用來源行為：倒數 3 秒、移動下限 100 毫秒、
// 計圈防彈跳 10 秒、waiting 房 3 分鐘過期、每分鐘掃描一次。
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Race = RaceConfig{
		Countdown:     3 * time.Second,
		MoveInterval:  100 * time.Millisecond,
		LapDebounce:   10 * time.Second,
		StaleAfter:    3 * time.Minute,
		SweepInterval: time.Minute,
	}
	return cfg
}

// LoadConfig 從檔案載入配置，缺漏欄位補上預設值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置檔失敗: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults 對零值欄位套用預設值
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Race.Countdown == 0 {
		c.Race.Countdown = def.Race.Countdown
	}
	if c.Race.MoveInterval == 0 {
		c.Race.MoveInterval = def.Race.MoveInterval
	}
	if c.Race.LapDebounce == 0 {
		c.Race.LapDebounce = def.Race.LapDebounce
	}
	if c.Race.StaleAfter == 0 {
		c.Race.StaleAfter = def.Race.StaleAfter
	}
	if c.Race.SweepInterval == 0 {
		c.Race.SweepInterval = def.Race.SweepInterval
	}
}

// Timing 取出單場比賽需要的時序子集
func (c *RaceConfig) Timing() RaceTiming {
	return RaceTiming{
		Countdown:    c.Countdown,
		MoveInterval: c.MoveInterval,
		LapDebounce:  c.LapDebounce,
	}
}
