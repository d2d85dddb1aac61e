// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startTime registra o início do processo para reportar uptime.
var startTime = time.Now()

// Version é populada via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// SessionInfo é a forma read-only de sessão que o router precisa para
// listar túneis ativos, desacoplando este pacote de internal/tunnel.
type SessionInfo struct {
	SessionID          string `json:"session_id"`
	State              string `json:"state"`
	LastOutSeq         uint32 `json:"last_out_seq"`
	LastInSeq          uint32 `json:"last_in_seq"`
	BytesWaitingAck    int    `json:"bytes_waiting_ack"`
	PeerRecvWindowSize uint32 `json:"peer_recv_window_size"`
}

// SessionsProvider é implementado por quem é dono do conjunto de túneis
// vivos (normalmente o engine).
type SessionsProvider interface {
	SessionsSnapshot() []SessionInfo
}

// NewRouter monta a superfície HTTP do operador: GET /health, GET /metrics
// (exposição texto Prometheus), GET /events e GET /sessions, tudo atrás do
// Middleware da ACL.
func NewRouter(reg *prometheus.Registry, checker *HealthChecker, store *EventStore, sessions SessionsProvider, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", makeHealthHandler(checker))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if store != nil {
		mux.HandleFunc("GET /events", makeEventsHandler(store))
	}
	if sessions != nil {
		mux.HandleFunc("GET /sessions", makeSessionsHandler(sessions))
	}

	return acl.Middleware(mux)
}

func makeHealthHandler(checker *HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := checker.Check(r.Context())
		report.Version = Version
		report.UptimeSeconds = time.Since(startTime).Seconds()
		status := http.StatusOK
		if err != nil || !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func makeEventsHandler(store *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntQuery(r, "limit", 200)
		writeJSON(w, http.StatusOK, store.Recent(limit))
	}
}

func makeSessionsHandler(sessions SessionsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := sessions.SessionsSnapshot()
		if list == nil {
			list = []SessionInfo{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func parseIntQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
