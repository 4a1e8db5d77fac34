// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	framesSent *prometheus.CounterVec
	bytesSent  prometheus.Counter
	framesRecv *prometheus.CounterVec
	bytesRecv  prometheus.Counter
	unexpected prometheus.Gauge
	collective *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, transport string) *metrics {
	labels := prometheus.Labels{"transport": transport}
	m := &metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mpi",
			Name:        "frames_sent_total",
			Help:        "Frames written to peer links, by frame type.",
			ConstLabels: labels,
		}, []string{"type"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mpi",
			Name:        "bytes_sent_total",
			Help:        "Frame bytes written to peer links.",
			ConstLabels: labels,
		}),
		framesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mpi",
			Name:        "frames_received_total",
			Help:        "Frames read from peer links, by frame type.",
			ConstLabels: labels,
		}, []string{"type"}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mpi",
			Name:        "bytes_received_total",
			Help:        "Frame bytes read from peer links.",
			ConstLabels: labels,
		}),
		unexpected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "mpi",
			Name:        "unexpected_messages",
			Help:        "Arrived messages waiting for a matching receive.",
			ConstLabels: labels,
		}),
		collective: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "mpi",
			Name:        "collective_duration_seconds",
			Help:        "Duration of collective operations, by operation.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"op"}),
	}
	reg.MustRegister(m.framesSent, m.bytesSent, m.framesRecv, m.bytesRecv, m.unexpected, m.collective)
	return m
}

func (m *metrics) sent(frame []byte) {
	m.framesSent.WithLabelValues(MessageType(frame[0]).String()).Inc()
	m.bytesSent.Add(float64(len(frame)))
}

func (m *metrics) received(frame []byte) {
	m.framesRecv.WithLabelValues(MessageType(frame[0]).String()).Inc()
	m.bytesRecv.Add(float64(len(frame)))
}

func (m *metrics) observe(kind opKind, start time.Time) {
	m.collective.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
}

// serveMetrics exposes reg on addr under /metrics
func serveMetrics(addr string, reg *prometheus.Registry) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "metrics listen")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go srv.Serve(listener)
	return srv, nil
}
