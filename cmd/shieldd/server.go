// server.go - HTTP admission surface for the shielded token service
//
// The core packages stay wire-free; this file is the only place requests are
// decoded, mapped onto core operations, and errors translated to statuses.
// Wallets scan stealth records locally, so the record list endpoint returns
// every record and view credentials never reach the service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"quakeshield/internal/entropy"
	"quakeshield/internal/gateway"
	"quakeshield/internal/rotation"
	"quakeshield/internal/shielded"
	"quakeshield/internal/stealth"
	"quakeshield/internal/store"
)

// Server hosts the admission API over the wired core components.
type Server struct {
	cfg     *Config
	log     *Logger
	metrics *MetricsCollector
	health  *HealthChecker
	limits  *ClientRateLimiter

	gw     *gateway.Gateway
	gate   *entropy.Gate
	engine *rotation.Engine
	dir    *stealth.Directory
	db     *store.Store

	httpSrv *http.Server
}

// NewServer wires the HTTP surface over the core components.
func NewServer(cfg *Config, log *Logger, metrics *MetricsCollector, health *HealthChecker,
	gw *gateway.Gateway, gate *entropy.Gate, engine *rotation.Engine,
	dir *stealth.Directory, db *store.Store) *Server {

	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		health:  health,
		limits:  NewClientRateLimiter(cfg.RateBurst, cfg.RateRefillPerSec, time.Second),
		gw:      gw,
		gate:    gate,
		engine:  engine,
		dir:     dir,
		db:      db,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transfer", s.handleTransfer)
	mux.HandleFunc("/v1/entropy", s.handleEntropy)
	mux.HandleFunc("/v1/rotation/emergency", s.handleEmergencyRotation)
	mux.HandleFunc("/v1/stealth/records", s.handleStealthRecords)
	mux.HandleFunc("/v1/root", s.handleRoot)
	mux.HandleFunc("/v1/epochs", s.handleEpochs)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// Start serves requests until Shutdown.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

type transferResponse struct {
	StateRoot shielded.Digest `json:"state_root"`
	Admitted  uint64          `json:"admitted"`
	RequestID string          `json:"request_id"`
}

type entropyResponse struct {
	Seed      shielded.Digest `json:"seed"`
	Rotated   bool            `json:"rotated"`
	EpochID   uint64          `json:"epoch_id"`
	RequestID string          `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// begin assigns a request id and enforces the expected method.
func (s *Server) begin(w http.ResponseWriter, r *http.Request, method string) (string, bool) {
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	if r.Method != method {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", RequestID: reqID})
		return reqID, false
	}
	return reqID, true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, reqID string) bool {
	if s.limits.Allow(clientKey(r)) {
		return true
	}
	s.metrics.RecordRateLimited()
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", RequestID: reqID})
	return false
}

func (s *Server) requestTimeout() time.Duration {
	return time.Duration(s.cfg.RequestTimeoutSecs) * time.Second
}

// handleTransfer admits one shielded transfer
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	reqID, ok := s.begin(w, r, http.MethodPost)
	if !ok || !s.allow(w, r, reqID) {
		return
	}

	var req gateway.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request: %v", err), RequestID: reqID})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout())
	defer cancel()

	start := time.Now()
	root, err := s.gw.Submit(ctx, &req)
	if err != nil {
		s.metrics.RecordRejection(rejectionReason(err))
		s.log.Warn("transfer rejected: %v request_id=%s", err, reqID)
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), RequestID: reqID})
		return
	}

	s.metrics.RecordAdmission(time.Since(start))
	s.metrics.SetGauge(MetricStealthRecords, float64(s.dir.Len()), nil)
	s.log.Info("transfer admitted root=%s request_id=%s", root, reqID)
	s.log.Audit("transfer_admitted", map[string]interface{}{
		"request_id": reqID,
		"nullifier":  req.Nullifier.String(),
		"epoch_id":   req.EpochID,
		"state_root": root.String(),
	})
	writeJSON(w, http.StatusOK, transferResponse{StateRoot: root, Admitted: s.gw.Admitted(), RequestID: reqID})
}

// handleEntropy validates and admits one entropy event, advancing the key
// epoch when rotation is due
func (s *Server) handleEntropy(w http.ResponseWriter, r *http.Request) {
	reqID, ok := s.begin(w, r, http.MethodPost)
	if !ok || !s.allow(w, r, reqID) {
		return
	}

	var ev entropy.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid event: %v", err), RequestID: reqID})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout())
	defer cancel()

	seed, err := s.gate.Admit(ctx, &ev)
	if err != nil {
		s.metrics.RecordEntropyEvent(ev.SourceID, false)
		s.log.Warn("entropy rejected: %v request_id=%s", err, reqID)
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), RequestID: reqID})
		return
	}
	s.metrics.RecordEntropyEvent(ev.SourceID, true)

	epoch, rotated, err := s.engine.Rotate(seed, ev.ObservedAt)
	if err != nil {
		// The event stays admitted; rotation retries on the next event.
		s.log.Error("rotation failed: %v request_id=%s", err, reqID)
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), RequestID: reqID})
		return
	}
	if rotated {
		if err := s.db.WriteEpoch(epoch); err != nil {
			s.log.Error("epoch persist failed: %v request_id=%s", err, reqID)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), RequestID: reqID})
			return
		}
		s.metrics.RecordRotation(epoch.ID)
		s.log.Info("rotated to epoch %d request_id=%s", epoch.ID, reqID)
		s.log.Audit("key_rotation", map[string]interface{}{
			"request_id":  reqID,
			"epoch_id":    epoch.ID,
			"entropy_ref": seed.String(),
		})
	}
	writeJSON(w, http.StatusOK, entropyResponse{Seed: seed, Rotated: rotated, EpochID: epoch.ID, RequestID: reqID})
}

// handleEmergencyRotation flags the next admitted entropy event to rotate
// regardless of the epoch interval
func (s *Server) handleEmergencyRotation(w http.ResponseWriter, r *http.Request) {
	reqID, ok := s.begin(w, r, http.MethodPost)
	if !ok || !s.allow(w, r, reqID) {
		return
	}
	s.engine.RequestEmergencyRotation()
	s.log.Warn("emergency rotation requested request_id=%s", reqID)
	s.log.Audit("emergency_rotation_requested", map[string]interface{}{"request_id": reqID})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"state":      s.engine.State().String(),
		"request_id": reqID,
	})
}

func (s *Server) handleStealthRecords(w http.ResponseWriter, r *http.Request) {
	reqID, ok := s.begin(w, r, http.MethodGet)
	if !ok {
		return
	}
	records := s.dir.Records()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(records),
		"records":    records,
		"request_id": reqID,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	reqID, ok := s.begin(w, r, http.MethodGet)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state_root":      s.gw.Root(),
		"admitted":        s.gw.Admitted(),
		"epoch_id":        s.engine.Current().ID,
		"rotation_state":  s.engine.State().String(),
		"stealth_records": s.dir.Len(),
		"entropy_seeds":   s.gate.Count(),
		"request_id":      reqID,
	})
}

func (s *Server) handleEpochs(w http.ResponseWriter, r *http.Request) {
	reqID, ok := s.begin(w, r, http.MethodGet)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epochs":     s.engine.Epochs(),
		"request_id": reqID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.begin(w, r, http.MethodGet); !ok {
		return
	}
	health := s.health.CheckHealth()
	status := http.StatusOK
	if health.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.begin(w, r, http.MethodGet); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Summary())
}

// statusFor maps core errors onto HTTP statuses: conflicts for double
// spends and duplicates, unprocessable for requests that are well-formed
// but fail validation, service unavailable once a component halted.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shielded.ErrNullifierReused),
		errors.Is(err, shielded.ErrDuplicateCommitment),
		errors.Is(err, stealth.ErrDuplicateRecord):
		return http.StatusConflict
	case errors.Is(err, shielded.ErrInvalidProof),
		errors.Is(err, rotation.ErrEpochExpired),
		errors.Is(err, gateway.ErrUnknownEntropyReference),
		errors.Is(err, shielded.ErrInsufficientFunds),
		errors.Is(err, shielded.ErrOverflow),
		errors.Is(err, entropy.ErrInvalidCoordinates),
		errors.Is(err, entropy.ErrImplausibleMagnitude),
		errors.Is(err, entropy.ErrStaleEvent),
		errors.Is(err, entropy.ErrUntrustedSource):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shielded.ErrHalted),
		errors.Is(err, rotation.ErrRotationTimeout),
		errors.Is(err, rotation.ErrKeyDerivationFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, shielded.ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, rotation.ErrEpochExpired):
		return "epoch_expired"
	case errors.Is(err, gateway.ErrUnknownEntropyReference):
		return "unknown_entropy"
	case errors.Is(err, shielded.ErrNullifierReused):
		return "nullifier_reused"
	case errors.Is(err, shielded.ErrDuplicateCommitment):
		return "duplicate_commitment"
	case errors.Is(err, stealth.ErrDuplicateRecord):
		return "duplicate_record"
	case errors.Is(err, shielded.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, shielded.ErrOverflow):
		return "overflow"
	case errors.Is(err, shielded.ErrHalted):
		return "halted"
	default:
		return "malformed"
	}
}
