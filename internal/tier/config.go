package tier

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	BaseURL        string `mapstructure:"BaseURL"`
	TimeoutSeconds int    `mapstructure:"TimeoutSeconds"`
}

func NewConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.BindEnv("BaseURL", "TIER_ORACLE_URL")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: using only environment variables: %v\n", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = v.GetString("TIER_ORACLE_URL")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tier oracle BaseURL is required")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}

	return &cfg, nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
