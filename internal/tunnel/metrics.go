// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package tunnel

// MetricsSink recebe atualizações de contadores e gauges do engine de
// confiabilidade. Satisfeito por *observability.Metrics; definido aqui para
// este pacote não depender do pacote de observabilidade.
type MetricsSink interface {
	IncAcksTotal()
	IncRetransmitsTotal()
	SetBytesWaitingAck(n float64)
}

type noopMetricsSink struct{}

func (noopMetricsSink) IncAcksTotal()                {}
func (noopMetricsSink) IncRetransmitsTotal()         {}
func (noopMetricsSink) SetBytesWaitingAck(n float64) {}

// SetMetricsSink instala m para a contabilidade de ack/retransmissão/flow
// control reportar por ele. Passar nil restaura o sink no-op.
func (t *Tunnel) SetMetricsSink(m MetricsSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m == nil {
		m = noopMetricsSink{}
	}
	t.metrics = m
}
