// Package health serves the engine's three HTTP surfaces from spec.md §6:
// /healthz (liveness), /readyz (per-topic readiness), /metrics (Prometheus
// text format). No router library appears anywhere in the retrieval pack
// (see DESIGN.md), so this uses net/http's ServeMux directly rather than
// reaching for an ungrounded third-party router.
package health

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/practo/tablestream/internal/metrics"
)

// TopicState is the per-topic readiness state spec.md §7 requires the
// readyz endpoint to enumerate.
type TopicState string

const (
	Ready       TopicState = "READY"
	Degraded    TopicState = "DEGRADED"
	Stopped     TopicState = "STOPPED"
	CircuitOpen TopicState = "CIRCUIT_OPEN"
)

// Server exposes /healthz, /readyz, /metrics.
type Server struct {
	mu     sync.RWMutex
	topics map[string]TopicState

	brokerReachable bool
	storeReachable  bool

	metrics *metrics.Metrics
}

// New builds a Server with every topic initially marked Degraded, since no
// commit log has been read yet.
func New(m *metrics.Metrics, topicNames []string) *Server {
	s := &Server{topics: make(map[string]TopicState, len(topicNames)), metrics: m}
	for _, t := range topicNames {
		s.topics[t] = Degraded
	}
	return s
}

// SetTopicState updates one topic's readiness state.
func (s *Server) SetTopicState(topic string, state TopicState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = state
}

// SetBrokerReachable records whether the last broker contact succeeded.
func (s *Server) SetBrokerReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokerReachable = ok
}

// SetStoreReachable records whether the last object-store contact succeeded.
func (s *Server) SetStoreReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeReachable = ok
}

// Handler returns the composed http.Handler for all three endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allReady := s.brokerReachable && s.storeReachable
	body := struct {
		BrokerReachable bool                  `json:"brokerReachable"`
		StoreReachable  bool                  `json:"storeReachable"`
		Topics          map[string]TopicState `json:"topics"`
	}{
		BrokerReachable: s.brokerReachable,
		StoreReachable:  s.storeReachable,
		Topics:          s.topics,
	}

	for _, state := range s.topics {
		if state != Ready {
			allReady = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !allReady {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
