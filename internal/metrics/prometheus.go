// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide Prometheus collectors for the signaling
// gateway and the SFU orchestrator.
type Metrics struct {
	// Signaling gateway
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec

	// Voice orchestrator
	VoiceRoomsActive       prometheus.Gauge
	VoiceParticipantsTotal prometheus.Gauge
	ProducersActive        prometheus.Gauge
	ConsumersActive        prometheus.Gauge
	TransportsActive       prometheus.Gauge

	// Text pipeline
	MessagesSentTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "The total number of websocket connections accepted by the signaling gateway",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "The current number of open signaling gateway connections",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "The total number of signaling events processed, by event type and outcome",
		}, []string{"event", "status"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_event_duration_seconds",
			Help:    "Duration of signaling event handling",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
		VoiceRoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_rooms_active",
			Help: "The current number of voice channels with at least one participant",
		}),
		VoiceParticipantsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_participants_active",
			Help: "The current number of connected voice participants across all rooms",
		}),
		ProducersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_producers_active",
			Help: "The current number of active media producers",
		}),
		ConsumersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_consumers_active",
			Help: "The current number of active media consumers",
		}),
		TransportsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_transports_active",
			Help: "The current number of open WebRTC transports",
		}),
		MessagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "text_messages_sent_total",
			Help: "The total number of text messages appended to channels",
		}),
	}
	metrics.register()
	return metrics
}

func (m *Metrics) register() {
	prometheus.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.EventsTotal,
		m.EventDuration,
		m.VoiceRoomsActive,
		m.VoiceParticipantsTotal,
		m.ProducersActive,
		m.ConsumersActive,
		m.TransportsActive,
		m.MessagesSentTotal,
	)
}

// RecordEvent records the outcome and duration of handling a signaling event.
func (m *Metrics) RecordEvent(event, status string, durationSeconds float64) {
	m.EventsTotal.WithLabelValues(event, status).Inc()
	m.EventDuration.WithLabelValues(event).Observe(durationSeconds)
}
