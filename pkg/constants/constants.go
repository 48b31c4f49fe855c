package constants

import "time"

// Message length limits for different platforms
const (
	// MaxDiscordMessageLength is Discord's message character limit
	MaxDiscordMessageLength = 2000
	// MaxTelegramMessageLength is Telegram's message character limit
	MaxTelegramMessageLength = 4096
	// MaxOneBotMessageLength is a conservative limit for OneBot segments
	MaxOneBotMessageLength = 4500
)

// Timeouts and delays
const (
	// DefaultBackendTimeout bounds a single backend ask; a timeout is a
	// network failure, never a classification result
	DefaultBackendTimeout = 120 * time.Second
	// DefaultProbeTimeout bounds a single credential probe
	DefaultProbeTimeout = 60 * time.Second
	// DefaultPollTimeout is the timeout for long polling operations
	DefaultPollTimeout = 60 * time.Second
	// OneBotAPITimeout bounds an echo-correlated OneBot API call
	OneBotAPITimeout = 10 * time.Second
)

// Turn handling
const (
	// MaxTurnAttempts caps the auto-refresh retry loop: the initial ask
	// plus one retry after a forced conversation reset
	MaxTurnAttempts = 2
	// MessageChannelBufferSize is the buffer size for the inbound message channel
	MessageChannelBufferSize = 100
)

// Session retention
const (
	// DefaultMaxHistory is the per-user conversation history cap
	DefaultMaxHistory = 64
	// ReplyIndexCapacity bounds the outbound-message-id reply index
	ReplyIndexCapacity = 4096
)

// Chat log retention
const (
	// DefaultLogRetentionDays is how long raw reply logs are kept
	DefaultLogRetentionDays = 7
	// LogSweepInterval is how often expired log directories are checked
	LogSweepInterval = 24 * time.Hour
)

// Token masking
const (
	// MinSecretLengthForMasking is the minimum token length to apply masking
	MinSecretLengthForMasking = 10
	// SecretMaskPrefixLength is the length of prefix to show before masking
	SecretMaskPrefixLength = 7
	// SecretMaskSuffixLength is the length of suffix to show after masking
	SecretMaskSuffixLength = 4
)
