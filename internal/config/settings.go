package config

import (
	"os"
	"path/filepath"
)

// Settings holds process-level configuration resolved once at startup.
// Runtime-tunable knobs live in ConfigManager instead.
type Settings struct {
	DataDir   string
	DBPath    string
	ModelsDir string
	IndexDir  string
	StateDir  string
	LogDir    string

	APIHost string
	APIPort int

	// OpenAI-compatible local inference server (llama.cpp, MLX, ...).
	EngineBaseURL string
	ChatModel     string
	EmbedModel    string
	EmbedDim      int

	HubBaseURL string
}

func DefaultSettings() (*Settings, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	dataDir := filepath.Join(configDir, "LocalMind")
	return SettingsAt(dataDir), nil
}

// SettingsAt builds settings rooted at an explicit data directory.
func SettingsAt(dataDir string) *Settings {
	return &Settings{
		DataDir:   dataDir,
		DBPath:    filepath.Join(dataDir, "localmind.db"),
		ModelsDir: filepath.Join(dataDir, "models"),
		IndexDir:  filepath.Join(dataDir, "index"),
		StateDir:  filepath.Join(dataDir, "state"),
		LogDir:    filepath.Join(dataDir, "logs"),

		APIHost: "127.0.0.1",
		APIPort: 8765,

		EngineBaseURL: "http://127.0.0.1:8080/v1",
		ChatModel:     "local-chat",
		EmbedModel:    "local-embed",
		EmbedDim:      768,

		HubBaseURL: "https://huggingface.co",
	}
}

// EnsureDirs creates every directory the settings point at.
func (s *Settings) EnsureDirs() error {
	for _, dir := range []string{s.DataDir, s.ModelsDir, s.IndexDir, s.StateDir, s.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
