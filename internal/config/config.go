package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode               string        `mapstructure:"mode"`
	Port               int           `mapstructure:"port"`
	WSPath             string        `mapstructure:"ws_path"`
	ReadLimit          int64         `mapstructure:"read_limit"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	PongWait           time.Duration `mapstructure:"pong_wait"`
	WriteWait          time.Duration `mapstructure:"write_wait"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	Secret             string        `mapstructure:"secret"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
	ConnectRate        RateConfig    `mapstructure:"connect_rate"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
	ConsumeConcurrency int           `mapstructure:"consume_concurrency"`
	Engine             EngineConfig  `mapstructure:"engine"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type EngineConfig struct {
	ListenIP      string        `mapstructure:"listen_ip"`
	AnnouncedIP   string        `mapstructure:"announced_ip"`
	RTCMinPort    uint16        `mapstructure:"rtc_min_port"`
	RTCMaxPort    uint16        `mapstructure:"rtc_max_port"`
	EnableUDP     bool          `mapstructure:"enable_udp"`
	EnableTCP     bool          `mapstructure:"enable_tcp"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	ICEServers    []string      `mapstructure:"ice_servers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("secret", "change-me-in-production")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("connect_rate.limit", 20)
	v.SetDefault("connect_rate.interval", "1m")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("consume_concurrency", 0)

	v.SetDefault("engine.listen_ip", "0.0.0.0")
	v.SetDefault("engine.announced_ip", "")
	v.SetDefault("engine.rtc_min_port", 10000)
	v.SetDefault("engine.rtc_max_port", 10100)
	v.SetDefault("engine.enable_udp", true)
	v.SetDefault("engine.enable_tcp", true)
	v.SetDefault("engine.gather_timeout", "5s")
	v.SetDefault("engine.ice_servers", []string{})
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"port":      "port",
	"mode":      "mode",
	"log-level": "log_level",
}

// Load reads defaults, then config/config.<env>.yaml, then SFU_* env vars,
// then flags. A missing file is not an error.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if flags != nil {
		if f := flags.Lookup("config-env"); f != nil && f.Changed {
			env = f.Value.String()
		}
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix("SFU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("engine.announced_ip", "SFU_ENGINE_ANNOUNCED_IP", "ANNOUNCED_IP"); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Uint16("rtc_min_port", cfg.Engine.RTCMinPort).Uint16("rtc_max_port", cfg.Engine.RTCMaxPort).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, errors.New("read_limit must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	if c.PongWait <= 0 || c.WriteWait <= 0 {
		errs = append(errs, errors.New("pong_wait and write_wait must be positive"))
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		errs = append(errs, fmt.Errorf("ping_period %s must be positive and below pong_wait %s", c.PingPeriod, c.PongWait))
	}
	if c.ConsumeConcurrency < 0 {
		errs = append(errs, errors.New("consume_concurrency must not be negative"))
	}
	if c.Engine.RTCMinPort > c.Engine.RTCMaxPort {
		errs = append(errs, fmt.Errorf("engine port range %d-%d is inverted", c.Engine.RTCMinPort, c.Engine.RTCMaxPort))
	}
	if !c.Engine.EnableUDP && !c.Engine.EnableTCP {
		errs = append(errs, errors.New("engine needs udp or tcp enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
