package constants

import "time"

const (
	DefaultICETimeout         = 10 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultSignalTimeout      = 5 * time.Second
	DefaultLeaveTimeout       = 5 * time.Second
	DefaultSQLPollInterval    = 500 * time.Millisecond
	DefaultStreamID           = "ling-huddle"
	DefaultSTUNServer         = "stun:stun.l.google.com:19302"
)

// Capture defaults: mono 48kHz, 20ms opus frames.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 1
	DefaultFrameMs    = 20
)

const (
	DedupeSize = 4096
	DedupeTTL  = 10 * time.Minute
)

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQL    = "sql"
)

// Redis key layout
const (
	RedisKeyPrefix      = "huddle"
	RedisSessionKey     = RedisKeyPrefix + ":session:%s"
	RedisSessionChannel = RedisKeyPrefix + ":session:%s:changes"
	RedisSignalStream   = RedisKeyPrefix + ":signals:%s:%s"
)

const ENV_MODE = "MODE"
const ENV_ADDR = "ADDR"

// Store
const ENV_STORE_BACKEND = "STORE_BACKEND"
const ENV_REDIS_ADDR = "REDIS_ADDR"
const ENV_REDIS_PASSWORD = "REDIS_PASSWORD"
const ENV_REDIS_DB = "REDIS_DB"

// DB
const ENV_DB_DRIVER = "DB_DRIVER"
const ENV_DSN = "DSN"

// Default Value: 500ms
const ENV_SQL_POLL_INTERVAL = "SQL_POLL_INTERVAL"

// WebRTC
const ENV_ICE_SERVERS = "ICE_SERVERS"
const ENV_ICE_TIMEOUT = "ICE_TIMEOUT"
const ENV_NEGOTIATION_TIMEOUT = "NEGOTIATION_TIMEOUT"
const ENV_SIGNAL_TIMEOUT = "SIGNAL_TIMEOUT"
const ENV_LEAVE_TIMEOUT = "LEAVE_TIMEOUT"

// Capture
const ENV_CAPTURE_SAMPLE_RATE = "CAPTURE_SAMPLE_RATE"
const ENV_CAPTURE_FRAME_MS = "CAPTURE_FRAME_MS"
const ENV_PLAYBACK_ENABLED = "PLAYBACK_ENABLED"

// Local identity
const ENV_USER_ID = "USER_ID"
const ENV_USER_NAME = "USER_NAME"
const ENV_USER_AVATAR = "USER_AVATAR"
