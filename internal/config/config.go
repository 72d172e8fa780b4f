package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	SendBuffer int           `mapstructure:"send_buffer"`

	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	Backpressure string        `mapstructure:"backpressure"`

	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`

	RelayURL       string `mapstructure:"relay_url"`
	Username       string `mapstructure:"username"`
	CaptureEnabled bool   `mapstructure:"capture_enabled"`
	CaptureVideo   bool   `mapstructure:"capture_video"`
	CaptureAudio   bool   `mapstructure:"capture_audio"`

	ICEMode      string `mapstructure:"ice_mode"`
	STUNURLs     string `mapstructure:"stun_urls"`
	TURNURLs     string `mapstructure:"turn_urls"`
	TURNUsername string `mapstructure:"turn_username"`
	TURNPassword string `mapstructure:"turn_password"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, then lets MESHCONF_* variables
// (a .env file included) override any key.
func Load() (*Config, error) {
	// existing environment wins over .env
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)
	v.SetEnvPrefix("meshconf")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("ice_mode", cfg.ICEMode).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "meshconf-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("backpressure", "drop")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_prefix", "meshconf")
	v.SetDefault("relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("username", "")
	v.SetDefault("capture_enabled", true)
	v.SetDefault("capture_video", true)
	v.SetDefault("capture_audio", true)
	v.SetDefault("ice_mode", "stun-turn")
	v.SetDefault("stun_urls", "")
	v.SetDefault("turn_urls", "")
	v.SetDefault("turn_username", "")
	v.SetDefault("turn_password", "")
}

// ICEServers resolves the STUN/TURN list for the configured mode:
// stun-turn (default), stun-only or turn-only. turn-only without TURN
// servers falls back to the default STUN server.
func (c *Config) ICEServers() []webrtc.ICEServer {
	turnOnly := strings.EqualFold(c.ICEMode, "turn-only")
	stunOnly := strings.EqualFold(c.ICEMode, "stun-only")

	var servers []webrtc.ICEServer
	if !turnOnly {
		if urls := splitAndClean(c.STUNURLs); len(urls) > 0 {
			servers = append(servers, webrtc.ICEServer{URLs: urls})
		} else {
			servers = append(servers, webrtc.ICEServer{URLs: []string{DefaultSTUN}})
		}
	}

	if !stunOnly {
		if urls := splitAndClean(c.TURNURLs); len(urls) > 0 {
			servers = append(servers, webrtc.ICEServer{
				URLs:       urls,
				Username:   c.TURNUsername,
				Credential: c.TURNPassword,
			})
		} else if !turnOnly {
			log.Debug().Str("module", "config").Msg("TURN not configured")
		}
	}

	if turnOnly && len(servers) == 0 {
		log.Warn().Str("module", "config").Msg("ice_mode=turn-only but no TURN servers configured; falling back to default STUN")
		servers = append(servers, webrtc.ICEServer{URLs: []string{DefaultSTUN}})
	}
	return servers
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
