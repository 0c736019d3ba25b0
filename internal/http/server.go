package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReceiverStatus is an interface for checking bus subscription state.
type ReceiverStatus interface {
	Name() string
	IsSubscribed() bool
}

// StoreChecker abstracts the local store health check for testability.
type StoreChecker interface {
	Ping(ctx context.Context) error
}

// IdentityStatus reports whether the camera identity has been discovered.
type IdentityStatus interface {
	Resolved() bool
}

type Server struct {
	srv       *http.Server
	store     StoreChecker
	receivers []ReceiverStatus
	identity  IdentityStatus
	logger    *zap.Logger
}

func NewServer(addr string, store StoreChecker, receivers []ReceiverStatus, identity IdentityStatus, logger *zap.Logger) *Server {
	s := &Server{
		store:     store,
		receivers: receivers,
		identity:  identity,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check the local store.
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.store.Ping(ctx); err != nil {
			checks["store"] = "error"
			allOK = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "error"
		allOK = false
	}

	// Check every bus receiver.
	for _, rcv := range s.receivers {
		key := "bus_" + rcv.Name()
		if rcv.IsSubscribed() {
			checks[key] = "ok"
		} else {
			checks[key] = "not_subscribed"
			allOK = false
		}
	}

	// Camera identity: records cannot deliver until it is known, but the
	// spool still accepts them, so this check is informational only.
	if s.identity != nil && s.identity.Resolved() {
		checks["camera_identity"] = "ok"
	} else {
		checks["camera_identity"] = "unresolved"
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
