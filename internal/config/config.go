package config

import (
	"encoding/json"
	"fmt"
	"os"

	"msx-grid-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中，
// 随后填充缺省值并校验关键字段。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "data/snapshots"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8000"
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 5
	}
	if cfg.RecoveryPolicy == "" {
		cfg.RecoveryPolicy = "resume"
	}
	if cfg.Session.TimeoutSec <= 0 {
		cfg.Session.TimeoutSec = 10
	}
	if cfg.Session.PingSec <= 0 {
		cfg.Session.PingSec = 15
	}
	if cfg.Session.PongTimeoutSec <= 0 {
		cfg.Session.PongTimeoutSec = 30
	}
	if cfg.Advisor.Interval == "" {
		cfg.Advisor.Interval = "15m"
	}
	if cfg.Advisor.MinKlines <= 0 {
		cfg.Advisor.MinKlines = 96
	}
	if cfg.Advisor.Threshold <= 0 {
		cfg.Advisor.Threshold = 0.05
	}
}

func validate(cfg *models.Config) error {
	if cfg.RecoveryPolicy != "resume" && cfg.RecoveryPolicy != "manual" {
		return fmt.Errorf("recovery_policy 必须为 resume 或 manual, 实际为 %q", cfg.RecoveryPolicy)
	}
	if cfg.Session.APIBaseURL == "" {
		return fmt.Errorf("session.api_base_url 不能为空")
	}
	return nil
}
