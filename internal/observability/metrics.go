// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kestrun/tunnelstream/internal/persist"
)

// Metrics agrupa os collectors Prometheus pelos quais a pilha
// tunnel/queue/persist reporta.
type Metrics struct {
	AcksTotal              prometheus.Counter
	RetransmitsTotal       prometheus.Counter
	BytesWaitingAck        prometheus.Gauge
	QueueMessagesExpired   prometheus.Counter
	QueueMessagesDelivered prometheus.Counter
	PersistSlotsInUse      prometheus.Gauge
	PersistSlotsTotal      prometheus.Gauge
}

// NewMetrics registra os collectors em reg. Testes devem passar um
// prometheus.NewRegistry() novo em vez do registry global.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AcksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunnelstream_acks_total",
			Help: "Total number of ACK frames processed across all tunnels.",
		}),
		RetransmitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunnelstream_retransmits_total",
			Help: "Total number of data frames retransmitted after a NAK or timeout.",
		}),
		BytesWaitingAck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelstream_bytes_waiting_ack",
			Help: "Current total bytes sitting in flight, unacknowledged, across all tunnels.",
		}),
		QueueMessagesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunnelstream_queue_messages_expired_total",
			Help: "Total number of queue substream messages dropped for exceeding their TTL.",
		}),
		QueueMessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunnelstream_queue_messages_delivered_total",
			Help: "Total number of queue substream messages delivered and acknowledged by a consumer.",
		}),
		PersistSlotsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelstream_persist_slots_in_use",
			Help: "Number of fixed-size slots currently holding a saved message in the persistence store.",
		}),
		PersistSlotsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelstream_persist_slots_total",
			Help: "Total number of fixed-size slots allocated in the persistence store file.",
		}),
	}
}

// Os métodos abaixo satisfazem internal/tunnel.MetricsSink e
// internal/queue.MetricsSink por tipagem estrutural, então nenhum dos dois
// pacotes precisa importar este.

// IncAcksTotal implementa internal/tunnel.MetricsSink.
func (m *Metrics) IncAcksTotal() { m.AcksTotal.Inc() }

// IncRetransmitsTotal implementa internal/tunnel.MetricsSink.
func (m *Metrics) IncRetransmitsTotal() { m.RetransmitsTotal.Inc() }

// SetBytesWaitingAck implementa internal/tunnel.MetricsSink.
func (m *Metrics) SetBytesWaitingAck(n float64) { m.BytesWaitingAck.Set(n) }

// IncMessagesExpired implementa internal/queue.MetricsSink.
func (m *Metrics) IncMessagesExpired() { m.QueueMessagesExpired.Inc() }

// IncMessagesDelivered implementa internal/queue.MetricsSink.
func (m *Metrics) IncMessagesDelivered() { m.QueueMessagesDelivered.Inc() }

// SamplePersistStore tira um snapshot do uso de slots do store para os
// gauges de persistência. Diferente dos contadores acima, uso de slot não
// tem um call site único para enganchar: muda em todo SaveMsg/FreeMsg de
// todo substream que compartilha o store, então o chamador amostra num
// timer (reactor.Reactor.AddPeriodic) em vez de um sink em
// internal/persist.
func (m *Metrics) SamplePersistStore(store *persist.Store) {
	m.PersistSlotsInUse.Set(float64(store.SlotsInUse()))
	m.PersistSlotsTotal.Set(float64(store.SlotsTotal()))
}
