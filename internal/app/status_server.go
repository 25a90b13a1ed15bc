package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
)

const (
	statusReadHeaderTimeout = 5 * time.Second
	statusShutdownTimeout   = 3 * time.Second
)

// RoomStatus is one mapped room as reported on /status.
type RoomStatus struct {
	RoomID    string `json:"room_id"`
	Alias     string `json:"alias,omitempty"`
	Channel   int    `json:"channel"`
	Meshnet   string `json:"meshnet"`
	Encrypted *bool  `json:"encrypted,omitempty"`
}

// StatusSnapshot is the /status document.
type StatusSnapshot struct {
	Version         string                      `json:"version"`
	Radio           connectors.ConnectionStatus `json:"radio"`
	LocalNode       string                      `json:"local_node,omitempty"`
	Session         connectors.SessionStatus    `json:"session"`
	Ready           bool                        `json:"ready"`
	Rooms           []RoomStatus                `json:"rooms"`
	QueueDepth      int                         `json:"queue_depth"`
	ParkedEvents    int                         `json:"parked_events"`
	KnownNodes      int                         `json:"known_nodes"`
	NewNodes        uint64                      `json:"new_nodes"`
	IdentityRecords int64                       `json:"identity_records"`
	FailedWrites    uint64                      `json:"failed_writes"`
	Update          *UpdateSnapshot             `json:"update,omitempty"`
}

// StatusServer exposes /metrics, /status and /healthz for operators.
type StatusServer struct {
	logger   *slog.Logger
	srv      *http.Server
	snapshot func(ctx context.Context) StatusSnapshot
}

func NewStatusServer(addr string, metrics http.Handler, snapshot func(ctx context.Context) StatusSnapshot, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default().With("component", "status")
	}

	s := &StatusServer{logger: logger, snapshot: snapshot}
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: statusReadHeaderTimeout,
	}

	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx ends. A listen failure is returned so the operator
// sees a misconfigured address at startup.
func (s *StatusServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen status endpoint: %w", err)
	}
	s.logger.Info("status endpoint listening", "address", lis.Addr().String())

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(stopCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("status endpoint shutdown", "error", err)
		}
	}()

	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve status endpoint: %w", err)
	}

	return nil
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := s.snapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		s.logger.Debug("write status response", "error", err)
	}
}
