package rdma

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completed requests by opcode and status
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrdma_rdma_requests_total",
			Help: "Total number of RDMA requests answered by the device",
		},
		[]string{"device", "opcode", "status"},
	)

	// InvalidChainsTotal counts chains completed without a response
	InvalidChainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrdma_rdma_invalid_chains_total",
			Help: "Total number of malformed descriptor chains",
		},
		[]string{"device", "reason"},
	)

	// InterruptFailuresTotal counts failed guest notifications
	InterruptFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrdma_rdma_interrupt_failures_total",
			Help: "Total number of failed queue interrupts",
		},
		[]string{"device"},
	)

	// QueueEventsTotal counts queue notifications handled
	QueueEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrdma_rdma_queue_events_total",
			Help: "Total number of queue notifications processed",
		},
		[]string{"device"},
	)
)
