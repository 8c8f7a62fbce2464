// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the Prometheus instrumentation surface for
// ipxed. The teacher exposes metrics purely via promhttp.Handler()
// against the default registry; ipxed follows the same convention and
// adds the counters/gauges the scheduler and network stack need.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerSteps counts scheduler passes (spec.md §4.4).
	SchedulerSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipxed_scheduler_steps_total",
		Help: "Number of scheduler Step() passes executed.",
	})

	// NetDevicePolls counts per-device poll invocations, labeled by
	// device name, so a stalled driver is visible per-interface.
	NetDevicePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipxed_netdevice_polls_total",
		Help: "Number of poll passes executed against a network device.",
	}, []string{"device"})

	// RetryExpirations counts retry-timer expirations, labeled by
	// whether the retry ceiling was reached (spec.md §4.2/§4.8).
	RetryExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipxed_retry_expirations_total",
		Help: "Number of retry timer expirations.",
	}, []string{"outcome"})

	// TCPRetransmits counts TCP segment retransmissions (spec.md's TCP
	// state machine, RFC 793/5681 retransmission behavior).
	TCPRetransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipxed_tcp_retransmits_total",
		Help: "Number of TCP segments retransmitted.",
	})

	// BytesTX and BytesRX count link-layer bytes transmitted/received
	// across all net devices.
	BytesTX = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipxed_bytes_tx_total",
		Help: "Total bytes transmitted across all network devices.",
	})
	BytesRX = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipxed_bytes_rx_total",
		Help: "Total bytes received across all network devices.",
	})
)
