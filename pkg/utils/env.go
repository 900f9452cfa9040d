package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv loads .env.<mode> then .env. Variables already present in the
// process environment win, and the mode file wins over the shared one.
func LoadEnv(mode string) error {
	var files []string
	for _, name := range []string{".env." + mode, ".env"} {
		if _, err := os.Stat(name); err == nil {
			files = append(files, name)
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no .env file for mode %q", mode)
	}
	return godotenv.Load(files...)
}

func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func GetStringOrDefault(key, def string) string {
	if v := GetEnv(key); v != "" {
		return v
	}
	return def
}

// GetIntEnv returns 0 when the variable is unset or not a number.
func GetIntEnv(key string) int64 {
	return cast.ToInt64(GetEnv(key))
}

func GetIntOrDefault(key string, def int) int {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

func GetBoolOrDefault(key string, def bool) bool {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// GetDurationOrDefault parses values such as "500ms" or "30s".
func GetDurationOrDefault(key string, def time.Duration) time.Duration {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	d, err := cast.ToDurationE(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetListOrDefault splits a comma separated value, dropping empty items.
func GetListOrDefault(key string, def []string) []string {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
