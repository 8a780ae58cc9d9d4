package main

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quakeshield/internal/entropy"
	"quakeshield/internal/gateway"
	"quakeshield/internal/rotation"
	"quakeshield/internal/shielded"
	"quakeshield/internal/stealth"
	"quakeshield/internal/store"
)

// stubVerifier stands in for the Groth16 verifier so handler tests run
// without compiling the circuit.
type stubVerifier struct{ err error }

func (s stubVerifier) Verify(ctx context.Context, st *shielded.Statement) error { return s.err }

type testService struct {
	mux     http.Handler
	metrics *MetricsCollector
	health  *HealthChecker
	engine  *rotation.Engine
	gate    *entropy.Gate
	dir     *stealth.Directory
	db      *store.Store
	seed    shielded.Digest
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.LogLevel = "error"
	cfg.LogFile = ""
	cfg.EnableAudit = false
	cfg.RateBurst = 1000
	return cfg
}

func newTestService(t *testing.T, cfg *Config, verifier shielded.ProofVerifier) *testService {
	t.Helper()

	logger, err := NewLogger(cfg.LogLevel, "", "")
	require.NoError(t, err)

	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine, err := rotation.NewEngine(cfg.RotationConfig(), rotation.MiMCKeyDeriver)
	require.NoError(t, err)
	require.NoError(t, db.WriteEpoch(engine.Current()))

	gate, err := entropy.NewGate(cfg.EntropyConfig(), nil)
	require.NoError(t, err)
	seed, err := gate.Admit(context.Background(), seismicEvent("usgs", 38.3, 142.4, 6.1))
	require.NoError(t, err)

	balances := shielded.NewBalances()
	for account, amount := range cfg.GenesisAccounts {
		require.NoError(t, balances.Credit(account, uint256.NewInt(amount)))
	}

	dir := stealth.NewDirectory()
	gw := gateway.New(verifier, engine, gate, shielded.NewAccumulator(),
		shielded.NewNullifierRegistry(), balances, dir, db)

	metrics := NewMetricsCollector()
	health := NewHealthChecker("test")
	health.RegisterComponent("gateway", func() (HealthStatus, string) {
		if err := gw.Healthy(); err != nil {
			return Unhealthy, err.Error()
		}
		return Healthy, "ok"
	})

	srv := NewServer(cfg, logger, metrics, health, gw, gate, engine, dir, db)
	return &testService{
		mux:     srv.routes(),
		metrics: metrics,
		health:  health,
		engine:  engine,
		gate:    gate,
		dir:     dir,
		db:      db,
		seed:    seed,
	}
}

func seismicEvent(source string, lat, lon, mag float64) *entropy.Event {
	return &entropy.Event{
		SourceID:   source,
		Latitude:   lat,
		Longitude:  lon,
		Magnitude:  mag,
		ObservedAt: time.Now().Add(-30 * time.Second),
	}
}

func (ts *testService) transferRequest() *gateway.TransferRequest {
	return &gateway.TransferRequest{
		Statement: shielded.Statement{
			Proof:       []byte{0x01, 0x02},
			Nullifier:   shielded.RandomDigest(),
			Commitments: []shielded.Digest{shielded.RandomDigest(), shielded.RandomDigest()},
			EpochID:     ts.engine.Current().ID,
			EntropyRef:  ts.seed,
		},
	}
}

func (ts *testService) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = strings.NewReader(string(buf))
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.10:50000"
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

func TestTransferEndpointAdmits(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	w := ts.do(t, http.MethodPost, "/v1/transfer", ts.transferRequest())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	var resp transferResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, uint64(1), resp.Admitted)
	assert.NotEqual(t, shielded.Digest{}, resp.StateRoot)
	assert.NotEmpty(t, resp.RequestID)

	head, ok := ts.db.Head()
	require.True(t, ok, "admission must reach the journal")
	assert.Equal(t, resp.StateRoot, head.StateRoot)
	assert.Equal(t, int64(1), ts.metrics.Counter(MetricTransferAdmitted, nil))
}

func TestTransferEndpointListsStealthRecord(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	req := ts.transferRequest()
	kp, err := stealth.GenerateKeyPair()
	require.NoError(t, err)
	out, err := stealth.NewOutput(kp.MetaAddress(), big.NewInt(40), shielded.RandomDigest())
	require.NoError(t, err)
	req.Stealth = out.Bind(req.Commitments[0])

	w := ts.do(t, http.MethodPost, "/v1/transfer", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/v1/stealth/records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Count   int               `json:"count"`
		Records []*stealth.Record `json:"records"`
	}
	decodeBody(t, w, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, req.Commitments[0], listing.Records[0].CommitmentRef)
}

func TestTransferEndpointConflictOnNullifierReuse(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	req := ts.transferRequest()
	w := ts.do(t, http.MethodPost, "/v1/transfer", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	dup := ts.transferRequest()
	dup.Nullifier = req.Nullifier
	w = ts.do(t, http.MethodPost, "/v1/transfer", dup)
	require.Equal(t, http.StatusConflict, w.Code)

	var er errorResponse
	decodeBody(t, w, &er)
	assert.Contains(t, er.Error, "nullifier")
}

func TestTransferEndpointRejectsInvalidProof(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{err: shielded.ErrInvalidProof})

	w := ts.do(t, http.MethodPost, "/v1/transfer", ts.transferRequest())
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, int64(1),
		ts.metrics.Counter(MetricTransferRejected, map[string]string{"reason": "invalid_proof"}))

	_, ok := ts.db.Head()
	assert.False(t, ok, "rejected transfer must not reach the journal")
}

func TestTransferEndpointRejectsExpiredEpoch(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	req := ts.transferRequest()
	req.EpochID = 99
	w := ts.do(t, http.MethodPost, "/v1/transfer", req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var er errorResponse
	decodeBody(t, w, &er)
	assert.Contains(t, er.Error, "epoch")
}

func TestTransferEndpointRejectsMalformedBody(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	req := httptest.NewRequest(http.MethodPost, "/v1/transfer", strings.NewReader("{not json"))
	req.RemoteAddr = "192.0.2.10:50000"
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransferEndpointMethodNotAllowed(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	w := ts.do(t, http.MethodGet, "/v1/transfer", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestEntropyEndpointRotatesWhenDue(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	// Interval not elapsed: the event is admitted without a rotation.
	w := ts.do(t, http.MethodPost, "/v1/entropy", seismicEvent("emsc", 37.7, -122.4, 4.8))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp entropyResponse
	decodeBody(t, w, &resp)
	assert.False(t, resp.Rotated)
	assert.Equal(t, uint64(0), resp.EpochID)
	assert.True(t, ts.gate.Admitted(resp.Seed))

	w = ts.do(t, http.MethodPost, "/v1/rotation/emergency", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted struct {
		State string `json:"state"`
	}
	decodeBody(t, w, &accepted)
	assert.Equal(t, "rotation_due", accepted.State)

	w = ts.do(t, http.MethodPost, "/v1/entropy", seismicEvent("jma", -33.4, -70.6, 5.5))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &resp)
	assert.True(t, resp.Rotated)
	assert.Equal(t, uint64(1), resp.EpochID)

	// The new epoch is durable alongside the genesis one.
	epochs, err := ts.db.Epochs()
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.Equal(t, uint64(1), epochs[1].ID)
	assert.Equal(t, resp.Seed, epochs[1].EntropyRef)

	w = ts.do(t, http.MethodGet, "/v1/epochs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var table struct {
		Epochs []rotation.KeyEpoch `json:"epochs"`
	}
	decodeBody(t, w, &table)
	assert.Len(t, table.Epochs, 2)
}

func TestEntropyEndpointRejectsUntrustedSource(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	w := ts.do(t, http.MethodPost, "/v1/entropy", seismicEvent("random-feed", 10, 10, 5))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var er errorResponse
	decodeBody(t, w, &er)
	assert.Contains(t, er.Error, "not trusted")
	assert.Equal(t, int64(1),
		ts.metrics.Counter(MetricEntropyRejected, map[string]string{"source": "random-feed"}))
}

func TestHealthEndpointReflectsComponentFailure(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	w := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health SystemHealth
	decodeBody(t, w, &health)
	assert.Equal(t, Healthy, health.OverallStatus)
	assert.Equal(t, "test", health.Version)

	ts.health.RegisterComponent("failing", func() (HealthStatus, string) {
		return Unhealthy, "down"
	})
	w = ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	decodeBody(t, w, &health)
	assert.Equal(t, Unhealthy, health.OverallStatus)
}

func TestMetricsEndpointCountsAdmissions(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	w := ts.do(t, http.MethodPost, "/v1/transfer", ts.transferRequest())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sum struct {
		Counters map[string]int64 `json:"counters"`
	}
	decodeBody(t, w, &sum)
	assert.Equal(t, int64(1), sum.Counters[MetricTransferAdmitted])
}

func TestRateLimitReturnsTooManyRequests(t *testing.T) {
	cfg := testConfig()
	cfg.RateBurst = 2
	cfg.RateRefillPerSec = 1
	ts := newTestService(t, cfg, stubVerifier{})

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodPost, "/v1/entropy", seismicEvent("usgs", 38.3, 142.4, 6.1))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := ts.do(t, http.MethodPost, "/v1/entropy", seismicEvent("usgs", 38.3, 142.4, 6.1))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var er errorResponse
	decodeBody(t, w, &er)
	assert.Contains(t, er.Error, "rate limit")
	assert.Equal(t, int64(1), ts.metrics.Counter(MetricRateLimited, nil))
}

func TestRootEndpointSummarizesState(t *testing.T) {
	ts := newTestService(t, testConfig(), stubVerifier{})

	w := ts.do(t, http.MethodGet, "/v1/root", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var root struct {
		StateRoot      shielded.Digest `json:"state_root"`
		Admitted       uint64          `json:"admitted"`
		EpochID        uint64          `json:"epoch_id"`
		RotationState  string          `json:"rotation_state"`
		StealthRecords int             `json:"stealth_records"`
		EntropySeeds   int             `json:"entropy_seeds"`
	}
	decodeBody(t, w, &root)
	assert.Equal(t, uint64(0), root.Admitted)
	assert.Equal(t, uint64(0), root.EpochID)
	assert.Equal(t, "active", root.RotationState)
	assert.Equal(t, 0, root.StealthRecords)
	assert.Equal(t, 1, root.EntropySeeds)
	assert.NotEqual(t, shielded.Digest{}, root.StateRoot)
}
