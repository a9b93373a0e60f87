package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"app name", cfg.App.Name, "next-tutor"},
		{"port", cfg.Server.Port, 8080},
		{"write timeout", cfg.Server.WriteTimeout, 0},
		{"dbname", cfg.Database.DBName, "next_tutor"},
		{"slow threshold", cfg.Database.SlowThreshold, 200},
		{"title runes", cfg.Chat.TitleMaxRunes, 15},
		{"fallback title", cfg.Chat.FallbackTitle, "新对话"},
		{"snapshot backend", cfg.Chat.SnapshotBackend, "redis"},
		{"max size", cfg.Attachment.MaxSize, int64(10 << 20)},
		{"history tokens", cfg.AI.MaxHistoryTokens, 6000},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if len(cfg.Attachment.AllowedExts) == 0 {
		t.Error("AllowedExts should have defaults")
	}
	if Get() != cfg {
		t.Error("Get() should return the loaded config")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
ai:
  provider: deepseek
  deepseek:
    apiKey: sk-file
chat:
  titleMaxRunes: 20
  snapshotBackend: bolt
`)
	t.Setenv("NEXT_TUTOR_CHAT_FALLBACKTITLE", "未命名")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AI.Provider != "deepseek" || cfg.AI.DeepSeek.APIKey != "sk-file" {
		t.Errorf("AI = %+v", cfg.AI)
	}
	if cfg.AI.DeepSeek.BaseURL != "https://api.deepseek.com/v1" {
		t.Errorf("default base url lost: %q", cfg.AI.DeepSeek.BaseURL)
	}
	if cfg.Chat.TitleMaxRunes != 20 || cfg.Chat.SnapshotBackend != "bolt" {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if cfg.Chat.FallbackTitle != "未命名" {
		t.Errorf("FallbackTitle = %q, want env override", cfg.Chat.FallbackTitle)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestGetDSNAndAddr(t *testing.T) {
	db := &DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	if got := db.GetDSN(); got != "host=db port=5432 user=u password=p dbname=n sslmode=disable" {
		t.Errorf("GetDSN() = %q", got)
	}
	if got := (&ServerConfig{Host: "0.0.0.0", Port: 8080}).GetAddr(); got != "0.0.0.0:8080" {
		t.Errorf("GetAddr() = %q", got)
	}
	if got := (&RedisConfig{Host: "r", Port: 6379}).GetAddr(); got != "r:6379" {
		t.Errorf("GetAddr() = %q", got)
	}
}

func TestWatch(t *testing.T) {
	if err := Watch("", func(*Config) {}); err != nil {
		t.Errorf("Watch(\"\") error = %v", err)
	}

	dir := t.TempDir()
	path := writeConfig(t, dir, "chat:\n  titleMaxRunes: 10\n")

	changed := make(chan *Config, 4)
	if err := Watch(path, func(c *Config) { changed <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// 等待监听就绪
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "chat:\n  titleMaxRunes: 8\n")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Chat.TitleMaxRunes == 8 {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
