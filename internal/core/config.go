// Package core wires the bot adapters, the session store, the credential
// pool and the response classifier into the chat engine.
//
// Configuration is loaded from a YAML file with the following main
// sections:
//
//   - commands: command prefix and aliases for chat / new-chat / history
//   - security: superusers and group allow/deny lists
//   - backend: gateway URL, proxy, conversation style, ask timeout
//   - credentials: cookies directory and auto-switch toggle
//   - conversation: auto-refresh toggle and history cap
//   - display: content types, waiting indicator, forward mode, render URL
//   - chat_log: raw reply logging and retention
//   - bots: per-platform adapter settings
//   - logging: log level, file and rotation
package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mellowbot/bingchat/internal/backend"
	"github.com/mellowbot/bingchat/internal/response"
	"github.com/mellowbot/bingchat/pkg/constants"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCommandPrefix  = "/"
	DefaultDataDirectory  = "./data/BingChat"
	DefaultLogLevel       = "info"
	DefaultLogMaxSize     = 100 // MB
	DefaultLogMaxBackups  = 5
	DefaultLogMaxAge      = 30 // days
	DefaultBackendTimeout = "120s"
)

// Config represents the complete bingchat configuration structure
type Config struct {
	Commands     CommandsConfig       `yaml:"commands"`
	Security     SecurityConfig       `yaml:"security"`
	Backend      BackendConfig        `yaml:"backend"`
	Credentials  CredentialsConfig    `yaml:"credentials"`
	Conversation ConversationConfig   `yaml:"conversation"`
	Display      DisplayConfig        `yaml:"display"`
	ChatLog      ChatLogConfig        `yaml:"chat_log"`
	Bots         map[string]BotConfig `yaml:"bots"`
	Logging      LoggingConfig        `yaml:"logging"`
}

// CommandsConfig holds the command prefix and alias lists
type CommandsConfig struct {
	Prefix      string   `yaml:"prefix"`
	Chat        []string `yaml:"chat"`
	NewChat     []string `yaml:"new_chat"`
	HistoryChat []string `yaml:"history_chat"`
}

// SecurityConfig holds the permission lists
type SecurityConfig struct {
	Superusers      []int64 `yaml:"superusers"`
	GroupFilterMode string  `yaml:"group_filter_mode"` // whitelist or blacklist
	GroupWhitelist  []int64 `yaml:"group_whitelist"`
	GroupBlacklist  []int64 `yaml:"group_blacklist"`
}

// BackendConfig holds the chat gateway settings
type BackendConfig struct {
	GatewayURL        string `yaml:"gateway_url"`
	Proxy             string `yaml:"proxy"`
	ConversationStyle string `yaml:"conversation_style"`
	Timeout           string `yaml:"timeout"`
}

// CredentialsConfig holds the cookies pool settings
type CredentialsConfig struct {
	Directory  string `yaml:"directory"`
	AutoSwitch bool   `yaml:"auto_switch"`
}

// ConversationConfig holds per-conversation policy toggles
type ConversationConfig struct {
	AutoRefresh *bool `yaml:"auto_refresh"` // default true
	MaxHistory  int   `yaml:"max_history"`
}

// DisplayConfig controls how classified replies are rendered
type DisplayConfig struct {
	ContentTypes []string `yaml:"content_types"`
	ShowWaiting  *bool    `yaml:"show_waiting"` // default true
	InForward    bool     `yaml:"in_forward"`
	RenderURL    string   `yaml:"render_url"`
}

// ChatLogConfig controls raw reply logging
type ChatLogConfig struct {
	Enabled       *bool `yaml:"enabled"` // default true
	RetentionDays int   `yaml:"retention_days"`
}

// BotConfig represents one platform adapter's settings
type BotConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Token       string `yaml:"token"`
	ChannelID   string `yaml:"channel_id"`   // Discord: default channel
	WSURL       string `yaml:"ws_url"`       // OneBot: websocket endpoint
	AccessToken string `yaml:"access_token"` // OneBot: endpoint access token
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	File         string `yaml:"file"`
	MaxSize      int    `yaml:"max_size"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAge       int    `yaml:"max_age"`
	Compress     bool   `yaml:"compress"`
	EnableStdout bool   `yaml:"enable_stdout"`
}

// DisplayContentType is one parsed entry of display.content_types, e.g.
// "text.answer&suggested-question"
type DisplayContentType struct {
	Display  string // text or image
	Contents []response.ContentType
}

// LoadConfig loads configuration from file and expands environment variables
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

func boolPtr(v bool) *bool { return &v }

// validateConfig performs defaulting and basic validation
func validateConfig(config *Config) error {
	if config.Commands.Prefix == "" {
		config.Commands.Prefix = DefaultCommandPrefix
	}
	if len(config.Commands.Chat) == 0 {
		config.Commands.Chat = []string{"chat"}
	}
	if len(config.Commands.NewChat) == 0 {
		config.Commands.NewChat = []string{"chat-new"}
	}
	if len(config.Commands.HistoryChat) == 0 {
		config.Commands.HistoryChat = []string{"chat-history"}
	}

	switch config.Security.GroupFilterMode {
	case "":
		config.Security.GroupFilterMode = "blacklist"
	case "whitelist", "blacklist":
	default:
		return fmt.Errorf("invalid group_filter_mode: %q", config.Security.GroupFilterMode)
	}

	if config.Backend.GatewayURL == "" {
		return fmt.Errorf("backend.gateway_url is required")
	}
	if _, err := backend.ParseStyle(config.Backend.ConversationStyle); err != nil {
		return err
	}
	if config.Backend.Timeout == "" {
		config.Backend.Timeout = DefaultBackendTimeout
	}
	if _, err := time.ParseDuration(config.Backend.Timeout); err != nil {
		return fmt.Errorf("invalid backend.timeout: %w", err)
	}

	if config.Credentials.Directory == "" {
		config.Credentials.Directory = DefaultDataDirectory
	}

	if config.Conversation.AutoRefresh == nil {
		config.Conversation.AutoRefresh = boolPtr(true)
	}
	if config.Conversation.MaxHistory == 0 {
		config.Conversation.MaxHistory = constants.DefaultMaxHistory
	}

	if len(config.Display.ContentTypes) == 0 {
		config.Display.ContentTypes = []string{"text.num-max-conversation&answer&suggested-question"}
	}
	if config.Display.ShowWaiting == nil {
		config.Display.ShowWaiting = boolPtr(true)
	}
	parsed, err := ParseDisplayContentTypes(config.Display.ContentTypes)
	if err != nil {
		return err
	}
	for _, dct := range parsed {
		if dct.Display == "image" && config.Display.RenderURL == "" {
			return fmt.Errorf("display.render_url is required when an image content type is configured")
		}
	}

	if config.ChatLog.Enabled == nil {
		config.ChatLog.Enabled = boolPtr(true)
	}
	if config.ChatLog.RetentionDays == 0 {
		config.ChatLog.RetentionDays = constants.DefaultLogRetentionDays
	}

	if len(config.Bots) == 0 {
		return fmt.Errorf("at least one bot must be configured")
	}
	enabled := 0
	for botType, botConfig := range config.Bots {
		if !botConfig.Enabled {
			continue
		}
		enabled++
		switch botType {
		case "telegram", "discord":
			if botConfig.Token == "" {
				return fmt.Errorf("bots.%s.token is required", botType)
			}
		case "onebot":
			if botConfig.WSURL == "" {
				return fmt.Errorf("bots.onebot.ws_url is required")
			}
		default:
			return fmt.Errorf("unknown bot type: %q", botType)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one bot must be enabled")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = DefaultLogMaxAge
	}

	return nil
}

// ParseDisplayContentTypes parses the "display.content-type&content-type"
// grammar used by display.content_types
func ParseDisplayContentTypes(entries []string) ([]DisplayContentType, error) {
	var parsed []DisplayContentType
	for _, entry := range entries {
		parts := strings.FieldsFunc(entry, func(r rune) bool { return r == '.' || r == '&' })
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid display content type: %q", entry)
		}

		display := parts[0]
		if display != "text" && display != "image" {
			return nil, fmt.Errorf("invalid display type in %q: %s", entry, display)
		}

		dct := DisplayContentType{Display: display}
		for _, content := range parts[1:] {
			switch response.ContentType(content) {
			case response.ContentAnswer, response.ContentReference,
				response.ContentSuggestedQuestion, response.ContentNumMaxConversation:
				dct.Contents = append(dct.Contents, response.ContentType(content))
			default:
				return nil, fmt.Errorf("invalid content type in %q: %s", entry, content)
			}
		}
		parsed = append(parsed, dct)
	}
	return parsed, nil
}

// BackendTimeout returns the parsed backend ask timeout
func (c *Config) BackendTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Timeout)
	if err != nil {
		return constants.DefaultBackendTimeout
	}
	return d
}

// IsSuperuser reports whether the user bypasses permission checks
func (c *Config) IsSuperuser(userID int64) bool {
	for _, id := range c.Security.Superusers {
		if id == userID {
			return true
		}
	}
	return false
}
