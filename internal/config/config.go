package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Defaults applied when no source sets a value.
const (
	DefaultPort          = 4096
	DefaultAgentCommand  = "claude"
	DefaultHistoryWindow = 200
)

// Config is the resolved server configuration.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// StorageDir roots the durable session store.
	StorageDir string `json:"storageDir,omitempty"`

	// HistoryWindow bounds the in-memory history tail per session.
	HistoryWindow int `json:"historyWindow,omitempty"`

	// Agent is the backing agent runtime invocation.
	Agent AgentConfig `json:"agent,omitempty"`

	// DefaultPermissionMode applies to sessions that have never set one.
	DefaultPermissionMode types.PermissionMode `json:"defaultPermissionMode,omitempty"`

	// AllowedTools seeds the global allow-list on first run. Later edits
	// live in the store, not here.
	AllowedTools []string `json:"allowedTools,omitempty"`

	// AllowedOrigins restricts websocket and CORS origins; empty allows all.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	Log LogConfig `json:"log,omitempty"`
}

// AgentConfig describes how to spawn the agent runtime.
type AgentConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
}

// Load resolves configuration from multiple sources (priority order):
// 1. Global config (~/.config/agentdeck/)
// 2. Project config (agentdeck.json[c], .agentdeck/agentdeck.json[c])
// 3. AGENTDECK_CONFIG file
// 4. AGENTDECK_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*Config, error) {
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	config := &Config{}
	loaded := make(map[string]bool)

	loadOnce := func(path, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "agentdeck.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "agentdeck.jsonc"), globalPath)

	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".agentdeck")
		loadOnce(filepath.Join(directory, "agentdeck.json"), directory)
		loadOnce(filepath.Join(directory, "agentdeck.jsonc"), directory)
		loadOnce(filepath.Join(projectConfigDir, "agentdeck.json"), projectConfigDir)
		loadOnce(filepath.Join(projectConfigDir, "agentdeck.jsonc"), projectConfigDir)
	}

	if configPath := os.Getenv("AGENTDECK_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if content := os.Getenv("AGENTDECK_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	applyEnvOverrides(config)
	applyDefaults(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Host != "" {
		target.Host = source.Host
	}
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.StorageDir != "" {
		target.StorageDir = source.StorageDir
	}
	if source.HistoryWindow != 0 {
		target.HistoryWindow = source.HistoryWindow
	}
	if source.Agent.Command != "" {
		target.Agent.Command = source.Agent.Command
	}
	if source.Agent.Args != nil {
		target.Agent.Args = source.Agent.Args
	}
	if source.DefaultPermissionMode != "" {
		target.DefaultPermissionMode = source.DefaultPermissionMode
	}
	if source.AllowedTools != nil {
		target.AllowedTools = source.AllowedTools
	}
	if source.AllowedOrigins != nil {
		target.AllowedOrigins = source.AllowedOrigins
	}
	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	if host := os.Getenv("AGENTDECK_HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("AGENTDECK_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			config.Port = n
		}
	}
	if dir := os.Getenv("AGENTDECK_STORAGE_DIR"); dir != "" {
		config.StorageDir = dir
	}
	if window := os.Getenv("AGENTDECK_HISTORY_WINDOW"); window != "" {
		if n, err := strconv.Atoi(window); err == nil {
			config.HistoryWindow = n
		}
	}
	if cmd := os.Getenv("AGENTDECK_AGENT_COMMAND"); cmd != "" {
		config.Agent.Command = cmd
	}
	if mode := os.Getenv("AGENTDECK_PERMISSION_MODE"); mode != "" {
		config.DefaultPermissionMode = types.PermissionMode(mode)
	}
	if level := os.Getenv("AGENTDECK_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

func applyDefaults(config *Config) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.StorageDir == "" {
		config.StorageDir = GetPaths().StoragePath()
	}
	if config.HistoryWindow == 0 {
		config.HistoryWindow = DefaultHistoryWindow
	}
	if config.Agent.Command == "" {
		config.Agent.Command = DefaultAgentCommand
	}
	if config.DefaultPermissionMode == "" {
		config.DefaultPermissionMode = types.PermissionDefault
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

// Save writes the configuration to a file.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
