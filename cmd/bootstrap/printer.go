package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"github.com/LingByte/LingHuddle/pkg/config"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"go.uber.org/zap"
)

const defaultBanner = `
 _     _             _   _           _     _ _
| |   (_)_ __   __ _| | | |_   _  __| | __| | | ___
| |   | | '_ \ / _' | |_| | | | |/ _' |/ _' | |/ _ \
| |___| | | | | (_| |  _  | |_| | (_| | (_| | |  __/
|_____|_|_| |_|\__, |_| |_|\__,_|\__,_|\__,_|_|\___|
               |___/
`

// LogConfigInfo Print global configuration information
func LogConfigInfo(cfg *config.Config) {
	logger.Info("system config load finished")

	logger.Info("base config",
		zap.String("mode", cfg.Mode),
		zap.String("addr", cfg.Addr),
		zap.String("user_id", cfg.User.ID),
		zap.String("user_name", cfg.User.Name),
	)

	logger.Info("store config",
		zap.String("backend", cfg.Store.Backend),
		zap.String("redis_addr", cfg.Store.RedisAddr),
		zap.Int("redis_db", cfg.Store.RedisDB),
		zap.String("db_driver", cfg.Store.DBDriver),
		zap.Duration("poll_interval", cfg.Store.PollInterval),
	)

	logger.Info("call config",
		zap.Strings("ice_servers", cfg.Call.ICEServers),
		zap.Duration("ice_timeout", cfg.Call.ICETimeout),
		zap.Duration("negotiation_timeout", cfg.Call.NegotiationTimeout),
		zap.Duration("signal_timeout", cfg.Call.SignalTimeout),
		zap.Duration("leave_timeout", cfg.Call.LeaveTimeout),
		zap.Int("sample_rate", cfg.Capture.SampleRate),
		zap.Int("frame_ms", cfg.Capture.FrameMs),
		zap.Bool("playback", cfg.Capture.Playback),
	)

	logger.Info("log config",
		zap.String("log_level", cfg.Log.Level),
		zap.String("log_filename", cfg.Log.Filename),
		zap.Int("log_max_size", cfg.Log.MaxSize),
		zap.Int("log_max_age", cfg.Log.MaxAge),
		zap.Int("log_max_backups", cfg.Log.MaxBackups),
	)
}

// EnsureBannerFile writes text to filename unless the file already exists.
func EnsureBannerFile(filename string, text string) error {
	if _, err := os.Stat(filename); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if strings.TrimSpace(text) == "" {
		text = defaultBanner
	}
	return os.WriteFile(filename, []byte(text), 0o644)
}

// PrintBannerFromFile Read file and print, auto-generate if file doesn't exist
func PrintBannerFromFile(filename string, defaultText string) error {
	if err := EnsureBannerFile(filename, defaultText); err != nil {
		return fmt.Errorf("failed to ensure banner file: %w", err)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")

	colors := []string{
		"\x1b[38;5;165m",
		"\x1b[38;5;189m",
		"\x1b[38;5;207m",
		"\x1b[38;5;219m",
		"\x1b[38;5;225m",
		"\x1b[38;5;231m",
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		color := colors[i%len(colors)]
		fmt.Println(color + line + "\x1b[0m")
	}
	return nil
}
