package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PutRequestsTotal counts PUT requests per resource.
	PutRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrdma",
		Subsystem: "api",
		Name:      "put_requests_total",
		Help:      "PUT requests received, by resource.",
	}, []string{"resource"})

	// PutFailuresTotal counts PUT requests that could not be parsed.
	PutFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrdma",
		Subsystem: "api",
		Name:      "put_failures_total",
		Help:      "PUT requests rejected while parsing, by resource.",
	}, []string{"resource"})
)
