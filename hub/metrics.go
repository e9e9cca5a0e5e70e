package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilehub_connected_avatars",
		Help: "Avatars currently in the world.",
	})
	movesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilehub_moves_total",
		Help: "Move commands by outcome.",
	}, []string{"outcome"})
	notesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilehub_notes_created_total",
		Help: "Notes hidden.",
	})
	peerFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilehub_peer_send_failures_total",
		Help: "Sends that failed and led to a disconnect.",
	})
	storageFailuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilehub_storage_failures_total",
		Help: "Failed persistence calls by operation.",
	}, []string{"op"})
)
