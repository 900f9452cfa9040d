package config

import (
	"fmt"
	"log"
	"time"

	"github.com/LingByte/LingHuddle/pkg/constants"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/utils"
	"github.com/google/uuid"
)

// StoreConfig selects and configures the shared document store.
type StoreConfig struct {
	Backend       string        `env:"STORE_BACKEND"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"`
	DBDriver      string        `env:"DB_DRIVER"`
	DSN           string        `env:"DSN"`
	PollInterval  time.Duration `env:"SQL_POLL_INTERVAL"`
}

// CallConfig holds negotiation and teardown limits.
type CallConfig struct {
	ICEServers         []string      `env:"ICE_SERVERS"`
	ICETimeout         time.Duration `env:"ICE_TIMEOUT"`
	NegotiationTimeout time.Duration `env:"NEGOTIATION_TIMEOUT"`
	SignalTimeout      time.Duration `env:"SIGNAL_TIMEOUT"`
	LeaveTimeout       time.Duration `env:"LEAVE_TIMEOUT"`
}

type CaptureConfig struct {
	SampleRate int  `env:"CAPTURE_SAMPLE_RATE"`
	FrameMs    int  `env:"CAPTURE_FRAME_MS"`
	Playback   bool `env:"PLAYBACK_ENABLED"`
}

// UserConfig is the local identity written into the roster.
type UserConfig struct {
	ID     string `env:"USER_ID"`
	Name   string `env:"USER_NAME"`
	Avatar string `env:"USER_AVATAR"`
}

var GlobalConfig *Config

// Config System  common config
type Config struct {
	Log     logger.LogConfig
	Store   StoreConfig
	Call    CallConfig
	Capture CaptureConfig
	User    UserConfig
	Addr    string `env:"ADDR"`
	Mode    string `env:"MODE"`
}

func Load() error {
	mode := utils.GetStringOrDefault(constants.ENV_MODE, "development")
	if err := utils.LoadEnv(mode); err != nil {
		// .env文件不存在时只记录日志，不影响启动
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	cfg := &Config{
		Log: logger.LogConfig{
			Level:      utils.GetStringOrDefault("LOG_LEVEL", "info"),
			Filename:   utils.GetStringOrDefault("LOG_FILENAME", "./logs/huddle.log"),
			MaxSize:    utils.GetIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     utils.GetIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: utils.GetIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      utils.GetBoolOrDefault("LOG_DAILY", true),
		},
		Store: StoreConfig{
			Backend:       utils.GetStringOrDefault(constants.ENV_STORE_BACKEND, constants.StoreMemory),
			RedisAddr:     utils.GetStringOrDefault(constants.ENV_REDIS_ADDR, "127.0.0.1:6379"),
			RedisPassword: utils.GetEnv(constants.ENV_REDIS_PASSWORD),
			RedisDB:       utils.GetIntOrDefault(constants.ENV_REDIS_DB, 0),
			DBDriver:      utils.GetStringOrDefault(constants.ENV_DB_DRIVER, "sqlite"),
			DSN:           utils.GetStringOrDefault(constants.ENV_DSN, "./huddle.db"),
			PollInterval:  utils.GetDurationOrDefault(constants.ENV_SQL_POLL_INTERVAL, constants.DefaultSQLPollInterval),
		},
		Call: CallConfig{
			ICEServers:         utils.GetListOrDefault(constants.ENV_ICE_SERVERS, []string{constants.DefaultSTUNServer}),
			ICETimeout:         utils.GetDurationOrDefault(constants.ENV_ICE_TIMEOUT, constants.DefaultICETimeout),
			NegotiationTimeout: utils.GetDurationOrDefault(constants.ENV_NEGOTIATION_TIMEOUT, constants.DefaultNegotiationTimeout),
			SignalTimeout:      utils.GetDurationOrDefault(constants.ENV_SIGNAL_TIMEOUT, constants.DefaultSignalTimeout),
			LeaveTimeout:       utils.GetDurationOrDefault(constants.ENV_LEAVE_TIMEOUT, constants.DefaultLeaveTimeout),
		},
		Capture: CaptureConfig{
			SampleRate: utils.GetIntOrDefault(constants.ENV_CAPTURE_SAMPLE_RATE, constants.DefaultSampleRate),
			FrameMs:    utils.GetIntOrDefault(constants.ENV_CAPTURE_FRAME_MS, constants.DefaultFrameMs),
			Playback:   utils.GetBoolOrDefault(constants.ENV_PLAYBACK_ENABLED, true),
		},
		User: UserConfig{
			ID:     utils.GetStringOrDefault(constants.ENV_USER_ID, uuid.NewString()),
			Name:   utils.GetStringOrDefault(constants.ENV_USER_NAME, "anonymous"),
			Avatar: utils.GetEnv(constants.ENV_USER_AVATAR),
		},
		Mode: mode,
		Addr: utils.GetStringOrDefault(constants.ENV_ADDR, ":7080"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	GlobalConfig = cfg
	return nil
}

// Validate rejects combinations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case constants.StoreMemory, constants.StoreRedis, constants.StoreSQL:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Capture.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("unsupported capture sample rate %d", c.Capture.SampleRate)
	}
	switch c.Capture.FrameMs {
	case 10, 20, 40, 60:
	default:
		return fmt.Errorf("unsupported capture frame size %dms", c.Capture.FrameMs)
	}
	if c.User.ID == "" {
		return fmt.Errorf("local user id is empty")
	}
	return nil
}
