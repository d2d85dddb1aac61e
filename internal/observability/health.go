// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthReport é o snapshot de processo/host retornado por GET /health.
type HealthReport struct {
	Timestamp         string  `json:"timestamp"`
	Version           string  `json:"version"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	PersistDiskPath   string  `json:"persist_disk_path"`
	PersistDiskUsed   float64 `json:"persist_disk_used_percent"`
	PersistDiskFreeMB uint64  `json:"persist_disk_free_mb"`
	MemUsedPercent    float64 `json:"mem_used_percent"`
	LoadAvg1          float64 `json:"load_avg_1"`
	Healthy           bool    `json:"healthy"`
}

// HealthChecker amostra recursos do host, principalmente o espaço livre
// sob o diretório de persistência: volume cheio significa que o substream
// de fila não consegue mais commitar com fsync, então isso aparece como o
// indicador principal de health em vez de sumir numa métrica genérica de
// disco.
type HealthChecker struct {
	persistPath       string
	diskWarnThreshold float64 // percent used, e.g. 90.0
}

// NewHealthChecker monta um checker que vigia pressão de disco em
// persistPath (o diretório do arquivo do persist.Store).
func NewHealthChecker(persistPath string, diskWarnThreshold float64) *HealthChecker {
	if diskWarnThreshold <= 0 {
		diskWarnThreshold = 90.0
	}
	return &HealthChecker{persistPath: persistPath, diskWarnThreshold: diskWarnThreshold}
}

// Check amostra disco, memória e load, retornando um HealthReport
// preenchido.
func (h *HealthChecker) Check(ctx context.Context) (HealthReport, error) {
	report := HealthReport{
		Timestamp:       time.Now().Format(time.RFC3339),
		PersistDiskPath: h.persistPath,
		Healthy:         true,
	}

	usage, err := disk.UsageWithContext(ctx, h.persistPath)
	if err != nil {
		return report, fmt.Errorf("reading disk usage for %s: %w", h.persistPath, err)
	}
	report.PersistDiskUsed = usage.UsedPercent
	report.PersistDiskFreeMB = usage.Free / (1024 * 1024)
	if usage.UsedPercent >= h.diskWarnThreshold {
		report.Healthy = false
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.MemUsedPercent = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		report.LoadAvg1 = avg.Load1
	}

	return report, nil
}
