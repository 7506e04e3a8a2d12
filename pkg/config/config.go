// Package config loads the TOML configuration file and applies environment
// overrides, producing the router's immutable Config plus the wiring extras
// the entry point needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/lliWcWill/maVoice-Linux/pkg/orchestrator"
)

// file is the raw TOML shape. Unknown keys are ignored.
type file struct {
	SttAPIKey         string  `toml:"stt_api_key"`
	LiveAPIKey        string  `toml:"live_api_key"`
	SttModel          string  `toml:"stt_model"`
	Language          string  `toml:"language"`
	InitialMode       string  `toml:"initial_mode"`
	VoiceName         string  `toml:"voice_name"`
	SystemInstruction string  `toml:"system_instruction"`
	Temperature       float64 `toml:"temperature"`
	Dictionary        string  `toml:"dictionary"`

	SubagentCommand []string `toml:"subagent_command"`
	AnthropicAPIKey string   `toml:"anthropic_api_key"`
	MemoryPath      string   `toml:"memory_path"`
	DashboardAddr   string   `toml:"dashboard_addr"`
}

// Extras is wiring configuration consumed by the entry point rather than the
// router.
type Extras struct {
	SubagentCommand []string
	AnthropicAPIKey string
	MemoryPath      string
	DashboardAddr   string
}

// DefaultPath is ~/.config/mavoice/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mavoice", "config.toml"), nil
}

// Load reads the file at path and applies environment overrides. A missing
// file is an error; the caller treats it as fatal at startup.
func Load(path string) (orchestrator.Config, Extras, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return orchestrator.Config{}, Extras{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (orchestrator.Config, Extras, error) {
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return orchestrator.Config{}, Extras{}, fmt.Errorf("config: parse: %w", err)
	}

	// Best-effort .env, then real environment wins over the file for keys.
	_ = godotenv.Load()
	if v := os.Getenv("MAVOICE_STT_API_KEY"); v != "" {
		f.SttAPIKey = v
	}
	if v := os.Getenv("MAVOICE_LIVE_API_KEY"); v != "" {
		f.LiveAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && f.AnthropicAPIKey == "" {
		f.AnthropicAPIKey = v
	}

	cfg := orchestrator.Config{
		SttAPIKey:         f.SttAPIKey,
		LiveAPIKey:        f.LiveAPIKey,
		SttModel:          f.SttModel,
		Language:          f.Language,
		VoiceName:         f.VoiceName,
		SystemInstruction: f.SystemInstruction,
		Temperature:       f.Temperature,
		Dictionary:        f.Dictionary,
	}

	switch f.InitialMode {
	case "", "Dictation":
		cfg.InitialMode = orchestrator.ModeDictation
	case "Conversation":
		cfg.InitialMode = orchestrator.ModeConversation
	default:
		return orchestrator.Config{}, Extras{}, fmt.Errorf("config: unknown initial_mode %q", f.InitialMode)
	}

	if cfg.SttModel == "" {
		cfg.SttModel = "whisper-large-v3-turbo"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.VoiceName == "" {
		cfg.VoiceName = "Puck"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}

	extras := Extras{
		SubagentCommand: f.SubagentCommand,
		AnthropicAPIKey: f.AnthropicAPIKey,
		MemoryPath:      f.MemoryPath,
		DashboardAddr:   f.DashboardAddr,
	}
	if extras.MemoryPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			extras.MemoryPath = filepath.Join(home, ".local", "share", "mavoice", "memory")
		}
	}
	return cfg, extras, nil
}
