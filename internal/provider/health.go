package provider

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Status         string  `json:"status"`
	Reason         string  `json:"reason,omitempty"`
	Listening      string  `json:"listening"`
	Sessions       int     `json:"sessions"`
	KafkaEnabled   bool    `json:"kafka_enabled"`
	KafkaConnected bool    `json:"kafka_connected"`
	Published      uint64  `json:"published"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func (s *Server) healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	if s.cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// runHealthServer 运行健康检查服务
func (s *Server) runHealthServer() {
	s.log.Info("starting health server",
		zap.String("addr", s.cfg.Server.HealthAddr),
		zap.Bool("metrics", s.cfg.Metrics.Enabled),
	)
	if err := s.health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error("health server error", zap.Error(err))
	}
}

// healthHandler 健康检查处理
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Listening:      s.Addr(),
		Sessions:       s.ActiveSessions(),
		KafkaEnabled:   s.kafka != nil,
		KafkaConnected: s.kafka != nil && s.kafka.IsConnected(),
		Published:      s.Published(),
		UptimeSeconds:  time.Since(s.started).Seconds(),
	}

	switch {
	case s.ctx == nil || s.ctx.Err() != nil:
		health.Status = "unhealthy"
		health.Reason = "stopped"
	case health.KafkaEnabled && !health.KafkaConnected:
		health.Status = "unhealthy"
		health.Reason = "kafka_disconnected"
	default:
		health.Status = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}
