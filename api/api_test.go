package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/health"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/validation/reconcile"
)

type fixedLag struct{ lag int64 }

func (f *fixedLag) Lag(context.Context) (int64, error) { return f.lag, nil }

// sessionMap is a static ReconcileSource.
type sessionMap map[uuid.UUID]*reconcile.Service

func (m sessionMap) Reconciler(sessionID uuid.UUID) (*reconcile.Service, bool) {
	svc, ok := m[sessionID]
	return svc, ok
}

func testAPI(t *testing.T, healthy bool) (*StatusAPI, uuid.UUID, uuid.UUID) {
	t.Helper()
	logger := log.NewDefaultLogger("api-test")

	probe := func(context.Context) error { return nil }
	if !healthy {
		probe = func(context.Context) error { return context.DeadlineExceeded }
	}
	gate := health.New(config.HealthGateConfig{
		Retries:    1,
		RetryDelay: time.Millisecond,
	}, nil, []health.Check{{Name: "broker", Critical: true, Probe: probe}}, logger)

	session := uuid.New()
	motion := uuid.New()
	svc := reconcile.New(config.ReconcilerConfig{}, session, &fixedLag{lag: 2}, nil, logger)
	svc.RegisterVote(common.PendingVote{
		VoteID:           uuid.New(),
		SessionID:        session,
		MotionID:         motion,
		VoterID:          uuid.New(),
		OptimisticChoice: common.ChoiceAye,
		CastAt:           time.Now().UTC(),
	})

	a := NewStatusAPI("localhost:0", gate, sessionMap{session: svc}, logger)
	return a, session, motion
}

func get(t *testing.T, a *StatusAPI, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	a, _, _ := testAPI(t, true)

	rec := get(t, a, "/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Healthy  bool              `json:"healthy"`
		Failures map[string]string `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Healthy)
	require.Empty(t, resp.Failures)
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	a, _, _ := testAPI(t, false)

	rec := get(t, a, "/v1/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Healthy  bool              `json:"healthy"`
		Failures map[string]string `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Healthy)
	require.Contains(t, resp.Failures, "broker")
}

func TestReconciliationEndpoint(t *testing.T) {
	a, session, motion := testAPI(t, true)

	rec := get(t, a, "/v1/sessions/"+session.String()+"/reconciliation?motion="+motion.String())
	require.Equal(t, http.StatusOK, rec.Code)

	var res reconcile.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, session, res.SessionID)
	require.Equal(t, motion, res.MotionID)
	require.Equal(t, 1, res.Pending)
	require.Equal(t, int64(2), res.ConsumerLag)
	require.False(t, res.Complete)
	require.Len(t, res.Votes, 1)
}

func TestReconciliationEndpointSpansMotionsByDefault(t *testing.T) {
	a, session, _ := testAPI(t, true)

	rec := get(t, a, "/v1/sessions/"+session.String()+"/reconciliation")
	require.Equal(t, http.StatusOK, rec.Code)

	var res reconcile.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 1, res.Pending)
}

func TestReconciliationEndpointUnknownSession(t *testing.T) {
	a, _, _ := testAPI(t, true)

	rec := get(t, a, "/v1/sessions/"+uuid.NewString()+"/reconciliation")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconciliationEndpointBadIDs(t *testing.T) {
	a, session, _ := testAPI(t, true)

	rec := get(t, a, "/v1/sessions/not-a-uuid/reconciliation")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, a, "/v1/sessions/"+session.String()+"/reconciliation?motion=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
