// Package notify implements NotificationSink: best-effort outbound
// side-effects (Telegram messages, Cloudflare DNS upserts) plus the two
// singleton settings files backing them. A notification failure is logged
// and counted but never propagates into a task's outcome.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/snatchd/snatchd/pkg/types"
)

// Settings loads and persists the Telegram and Cloudflare singleton
// configuration files. Both are hot-reloaded on every send, so edits via
// the HTTP surface take effect without a restart.
type Settings struct {
	telegramPath   string
	cloudflarePath string
	mu             sync.Mutex
}

// NewSettings creates a Settings store over the two config file paths.
func NewSettings(telegramPath, cloudflarePath string) *Settings {
	return &Settings{telegramPath: telegramPath, cloudflarePath: cloudflarePath}
}

// Telegram returns the current Telegram configuration; a missing file
// yields an empty (unconfigured) value, not an error.
func (s *Settings) Telegram() (types.TelegramConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg types.TelegramConfig
	return cfg, readJSONFile(s.telegramPath, &cfg)
}

// SaveTelegram overwrites the Telegram configuration file.
func (s *Settings) SaveTelegram(cfg types.TelegramConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONFile(s.telegramPath, cfg)
}

// Cloudflare returns the current Cloudflare configuration; a missing file
// yields an empty (unconfigured) value, not an error.
func (s *Settings) Cloudflare() (types.CloudflareConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg types.CloudflareConfig
	return cfg, readJSONFile(s.cloudflarePath, &cfg)
}

// SaveCloudflare overwrites the Cloudflare configuration file.
func (s *Settings) SaveCloudflare(cfg types.CloudflareConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONFile(s.cloudflarePath, cfg)
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("notify: parse %s: %w", path, err)
	}
	return nil
}

func writeJSONFile(path string, in any) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", path, err)
	}
	return nil
}
