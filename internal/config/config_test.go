package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Risk.RiskPerTradePercent != 1.0 {
		t.Errorf("risk per trade %.2f, want 1.0", cfg.Risk.RiskPerTradePercent)
	}
	if cfg.Risk.ConsecutiveLossesStop != 5 {
		t.Errorf("consecutive losses stop %d, want 5", cfg.Risk.ConsecutiveLossesStop)
	}
	if cfg.Session.RefreshInterval != 8*time.Hour {
		t.Errorf("refresh interval %v, want 8h", cfg.Session.RefreshInterval)
	}
	if cfg.Data.TickQueueSize != 2048 {
		t.Errorf("tick queue size %d, want 2048", cfg.Data.TickQueueSize)
	}
	if cfg.Trading.EndOfDayExit != "15:10" {
		t.Errorf("end of day exit %q, want 15:10", cfg.Trading.EndOfDayExit)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
[risk]
risk_per_trade_percent = 2.5
consecutive_losses_stop = 3

[data]
tick_queue_size = 512
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Risk.RiskPerTradePercent != 2.5 {
		t.Errorf("risk per trade %.2f, want 2.5", cfg.Risk.RiskPerTradePercent)
	}
	if cfg.Risk.ConsecutiveLossesStop != 3 {
		t.Errorf("consecutive losses stop %d, want 3", cfg.Risk.ConsecutiveLossesStop)
	}
	if cfg.Data.TickQueueSize != 512 {
		t.Errorf("tick queue size %d, want 512", cfg.Data.TickQueueSize)
	}
	// Untouched sections keep defaults
	if cfg.Risk.MaxDailyLossPercent != 3.0 {
		t.Errorf("max daily loss %.2f, want default 3.0", cfg.Risk.MaxDailyLossPercent)
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("ANGEL_API_KEY", "env-key")
	t.Setenv("ANGEL_CLIENT_ID", "A999999")
	t.Setenv("ANGEL_PASSWORD", "pin")
	t.Setenv("ANGEL_TOTP_SECRET", "SECRET")
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot-token")
	t.Setenv("TELEGRAM_CHAT_ID", "12345")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Credentials.APIKey != "env-key" || cfg.Credentials.ClientID != "A999999" {
		t.Errorf("credentials not overridden: %+v", cfg.Credentials)
	}
	if !cfg.HasCredentials() {
		t.Error("HasCredentials false with all four set")
	}
	if cfg.Notifications.Telegram.BotToken != "bot-token" {
		t.Error("telegram token not overridden")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Risk.RiskPerTradePercent = 0 },
		func(c *Config) { c.Risk.RiskPerTradePercent = 150 },
		func(c *Config) { c.Risk.MaxDailyLossPercent = -1 },
		func(c *Config) { c.Risk.ConsecutiveLossesStop = 0 },
		func(c *Config) { c.Risk.VolatilityAdjustment.RiskReductionFactor = 0 },
		func(c *Config) { c.Risk.VolatilityAdjustment.RiskReductionFactor = 1.5 },
		func(c *Config) { c.Data.TickQueueSize = 0 },
	}

	for i, mutate := range cases {
		cfg, err := Load(t.TempDir())
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: invalid config accepted", i)
		}
	}
}

func TestHasCredentialsRequiresAll(t *testing.T) {
	cfg := &Config{}
	cfg.Credentials = Credentials{APIKey: "k", ClientID: "c", Password: "p"}
	if cfg.HasCredentials() {
		t.Error("HasCredentials true without TOTP secret")
	}
	cfg.Credentials.TOTPSecret = "s"
	if !cfg.HasCredentials() {
		t.Error("HasCredentials false with all fields")
	}
}
