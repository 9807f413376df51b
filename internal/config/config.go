package config

import (
	"fmt"
	"time"

	coreconfig "github.com/go-core-fx/config"
)

type Config struct {
	APIBaseURL     string        `koanf:"api_base_url"`
	ChannelURL     string        `koanf:"channel_url"`
	PdvID          string        `koanf:"pdv_id"`
	SessionID      string        `koanf:"session_id"`
	OperatorID     string        `koanf:"operator_id"`
	Timeout        time.Duration `koanf:"timeout"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
	LogFile        string        `koanf:"log_file"`
	Debug          bool          `koanf:"debug"`
}

func New() (Config, error) {
	cfg := Config{
		APIBaseURL:     "http://localhost:8000",
		ChannelURL:     "ws://localhost:8000/solicitacoes/ws",
		Timeout:        20 * time.Second,
		ReconnectDelay: 3 * time.Second,
		LogFile:        "./pdv-terminal.log",
		Debug:          false,
	}

	if err := coreconfig.Load(&cfg); err != nil {
		return Config{}, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}
