// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunnelstreamd.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
daemon:
  role: provider
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxFragmentSizeRaw != 6*1024 {
		t.Errorf("expected default max_fragment_size 6kb, got %d", cfg.Engine.MaxFragmentSizeRaw)
	}
	if cfg.Engine.RecvWindowSize != 65535 {
		t.Errorf("expected default recv_window_size 65535, got %d", cfg.Engine.RecvWindowSize)
	}
	if cfg.Engine.MaxRequestRetries != 1 {
		t.Errorf("expected default max_request_retries 1, got %d", cfg.Engine.MaxRequestRetries)
	}
}

func TestLoad_ParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
daemon:
  role: consumer
engine:
  max_fragment_size: "4kb"
  max_msg_size: "64kb"
  recv_window_size: 131072
  max_bytes_per_second: 1048576
persistence:
  path: /var/lib/tunnelstream/queue.bin
  max_msg_count: 2048
  max_msg_length: "16kb"
  compress: true
observability:
  listen: "127.0.0.1:9301"
logging:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxFragmentSizeRaw != 4*1024 || cfg.Engine.MaxMsgSizeRaw != 64*1024 {
		t.Errorf("unexpected parsed sizes: %+v", cfg.Engine)
	}
	if !cfg.Persistence.Compress || cfg.Persistence.MaxMsgLengthRaw != 16*1024 {
		t.Errorf("unexpected persistence config: %+v", cfg.Persistence)
	}
	if len(cfg.Observability.AllowCIDRs) == 0 || cfg.Observability.EventCap != 512 {
		t.Errorf("expected observability defaults filled, got %+v", cfg.Observability)
	}
}

func TestLoad_RejectsInvalidRole(t *testing.T) {
	path := writeConfig(t, `
daemon:
  role: relay
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid daemon.role")
	}
}

func TestLoad_RejectsMsgSizeBelowFragmentSize(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_fragment_size: "8kb"
  max_msg_size: "4kb"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for max_msg_size < max_fragment_size")
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"256mb", 256 * 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"8kb", 8 * 1024, false},
		{"512b", 512, false},
		{"4096", 4096, false},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}
