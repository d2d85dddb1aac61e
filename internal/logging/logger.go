// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package logging monta os loggers slog do TunnelStream: o logger base do
// processo aqui e, em session_logger.go, o fan-out por túnel.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// NewLogger cria o logger base do processo com o nível e o formato dados.
// Formatos suportados: "json" (default) e "text". Níveis: "debug", "info"
// (default), "warn", "error".
//
// Com filePath, o log vai para stdout e para um arquivo rotacionado por
// tamanho: um daemon de túneis fica no ar por muito tempo, então um arquivo
// de append puro cresceria sem limite. O Closer retornado fecha o arquivo
// no shutdown e é no-op quando filePath é vazio.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if filePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    100, // MB
			MaxBackups: 3,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(slog.String("app", "tunnelstream")), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
