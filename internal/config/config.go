// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do daemon
// tunnelstreamd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config representa a configuração completa do tunnelstreamd.
type Config struct {
	Daemon        DaemonInfo        `yaml:"daemon"`
	Engine        EngineInfo        `yaml:"engine"`
	Persistence   PersistenceInfo   `yaml:"persistence"`
	Observability ObservabilityInfo `yaml:"observability"`
	Logging       LoggingInfo       `yaml:"logging"`
}

// DaemonInfo identifica o papel do processo no handshake.
type DaemonInfo struct {
	Role string `yaml:"role"` // provider|consumer
}

// EngineInfo contém os parâmetros do engine de túnel.
type EngineInfo struct {
	MaxMsgSize         string  `yaml:"max_msg_size"`      // ex: "6kb"
	MaxMsgSizeRaw      int64   `yaml:"-"`                 // valor parseado em bytes
	MaxFragmentSize    string  `yaml:"max_fragment_size"` // ex: "6kb"
	MaxFragmentSizeRaw int64   `yaml:"-"`                 // valor parseado em bytes
	AppBufferLimit     int     `yaml:"app_buffer_limit"`  // 0=ilimitado
	RecvWindowSize     int64   `yaml:"recv_window_size"`  // default: 65535
	MaxRequestRetries  int     `yaml:"max_request_retries"`
	ResponseTimeoutMs  int64   `yaml:"response_timeout_ms"`
	AckDeadlineMs      int64   `yaml:"ack_deadline_ms"`
	MaxBytesPerSecond  float64 `yaml:"max_bytes_per_second"` // 0=sem pacing
}

// PersistenceInfo contém a configuração do arquivo de fila persistente.
type PersistenceInfo struct {
	Path            string `yaml:"path"`
	MaxMsgCount     uint32 `yaml:"max_msg_count"`
	MaxMsgLength    string `yaml:"max_msg_length"` // ex: "8kb"
	MaxMsgLengthRaw int64  `yaml:"-"`
	Compress        bool   `yaml:"compress"` // zstd nos payloads salvos
}

// ObservabilityInfo contém o endpoint HTTP do operador.
type ObservabilityInfo struct {
	Listen     string   `yaml:"listen"`      // vazio=desabilitado
	AllowCIDRs []string `yaml:"allow_cidrs"` // default: loopback
	EventCap   int      `yaml:"event_cap"`   // default: 512
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // vazio=somente stdout
}

// Load lê e valida o arquivo YAML de configuração.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.Daemon.Role = strings.ToLower(strings.TrimSpace(c.Daemon.Role))
	if c.Daemon.Role == "" {
		c.Daemon.Role = "consumer"
	}
	if c.Daemon.Role != "provider" && c.Daemon.Role != "consumer" {
		return fmt.Errorf("daemon.role must be provider or consumer, got %q", c.Daemon.Role)
	}

	if c.Engine.MaxFragmentSize == "" {
		c.Engine.MaxFragmentSize = "6kb"
	}
	parsed, err := ParseByteSize(c.Engine.MaxFragmentSize)
	if err != nil {
		return fmt.Errorf("engine.max_fragment_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("engine.max_fragment_size must be > 0, got %s", c.Engine.MaxFragmentSize)
	}
	c.Engine.MaxFragmentSizeRaw = parsed

	if c.Engine.MaxMsgSize == "" {
		c.Engine.MaxMsgSize = c.Engine.MaxFragmentSize
	}
	parsed, err = ParseByteSize(c.Engine.MaxMsgSize)
	if err != nil {
		return fmt.Errorf("engine.max_msg_size: %w", err)
	}
	if parsed < c.Engine.MaxFragmentSizeRaw {
		return fmt.Errorf("engine.max_msg_size must be >= engine.max_fragment_size")
	}
	c.Engine.MaxMsgSizeRaw = parsed

	if c.Engine.RecvWindowSize == 0 {
		c.Engine.RecvWindowSize = 65535
	}
	if c.Engine.MaxRequestRetries == 0 {
		c.Engine.MaxRequestRetries = 1
	}
	if c.Engine.ResponseTimeoutMs == 0 {
		c.Engine.ResponseTimeoutMs = 5000
	}
	if c.Engine.AckDeadlineMs == 0 {
		c.Engine.AckDeadlineMs = 2000
	}

	if c.Persistence.Path != "" {
		if c.Persistence.MaxMsgCount == 0 {
			c.Persistence.MaxMsgCount = 1024
		}
		if c.Persistence.MaxMsgLength == "" {
			c.Persistence.MaxMsgLength = "8kb"
		}
		parsed, err = ParseByteSize(c.Persistence.MaxMsgLength)
		if err != nil {
			return fmt.Errorf("persistence.max_msg_length: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("persistence.max_msg_length must be > 0, got %s", c.Persistence.MaxMsgLength)
		}
		c.Persistence.MaxMsgLengthRaw = parsed
	}

	if c.Observability.Listen != "" {
		if len(c.Observability.AllowCIDRs) == 0 {
			c.Observability.AllowCIDRs = []string{"127.0.0.0/8", "::1/128"}
		}
		if c.Observability.EventCap <= 0 {
			c.Observability.EventCap = 512
		}
	}
	return nil
}

// ParseByteSize converte strings como "256mb", "1gb", "8kb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
