package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/config"
	"github.com/vantage6/vantage6-sub005/coordination"
	"github.com/vantage6/vantage6-sub005/crypto"
	"github.com/vantage6/vantage6-sub005/internal/bus"
	"github.com/vantage6/vantage6-sub005/internal/database"
	"github.com/vantage6/vantage6-sub005/internal/hub"
	"github.com/vantage6/vantage6-sub005/internal/metrics"
	"github.com/vantage6/vantage6-sub005/internal/testutil"
	"github.com/vantage6/vantage6-sub005/internal/token"
	"github.com/vantage6/vantage6-sub005/store"
)

type apiHarness struct {
	srv      *httptest.Server
	st       *store.Store
	fixture  *testutil.Fixture
	tokenCfg token.Config
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	cfg := config.Default()
	cfg.JWT.Secret = "server-test-secret"
	cfg.Crypto.Provider = "none"
	cfg.Liveness.OnlineCheckTimeout = 2 * time.Second

	logger := zap.NewNop()

	db, err := database.Open(database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.DefaultPoolConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st := store.New(db, logger)
	require.NoError(t, st.Migrate())
	fixture := testutil.SeedCollaboration(t, st, 2, false)

	eventBus := bus.NewMemoryBus(logger)
	t.Cleanup(func() { _ = eventBus.Close() })

	collector := metrics.NewCollector("srvtest_"+sanitizeName(t.Name()), logger)
	coord := coordination.New(st, eventBus, crypto.NopProvider{}, collector, logger)
	nodeHub := hub.New(st, eventBus, logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	t.Cleanup(stopHub)
	go func() { _ = nodeHub.Run(hubCtx) }()

	router := buildRouter(&cfg, st, coord, nodeHub, pool, collector, "test", logger)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiHarness{
		srv:     srv,
		st:      st,
		fixture: fixture,
		tokenCfg: token.Config{
			Secret:   cfg.JWT.Secret,
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			TTL:      cfg.JWT.TTL,
		},
	}
}

func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (h *apiHarness) userToken(t *testing.T, orgID uint) string {
	t.Helper()
	signed, err := token.Issue(h.tokenCfg, token.Identity{OrganizationID: orgID, UserID: 1})
	require.NoError(t, err)
	return signed
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *apiHarness) call(t *testing.T, method, path, bearer string, body any) (int, apiResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp.StatusCode, envelope
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	initiator := h.userToken(t, h.fixture.Organizations[0].ID)

	// Node exchanges its api key for a bearer token.
	status, resp := h.call(t, http.MethodPost, "/api/v1/token/node", "", map[string]string{
		"api_key": h.fixture.Nodes[1].APIKey,
	})
	require.Equal(t, http.StatusOK, status)
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &tok))
	nodeToken := tok.Token

	// Initiator creates a task for the second organization.
	status, resp = h.call(t, http.MethodPost, "/api/v1/tasks", initiator, map[string]any{
		"collaboration_id": h.fixture.Collaboration.ID,
		"organizations":    []uint{h.fixture.Organizations[1].ID},
		"image":            "vantage6/average",
		"name":             "average",
		"input":            []byte("json.{}"),
	})
	require.Equal(t, http.StatusCreated, status, "error: %+v", resp.Error)

	var created struct {
		UUID   string `json:"uuid"`
		RunIDs []uint `json:"run_ids"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	require.Len(t, created.RunIDs, 1)

	// Node pulls its pending run.
	status, resp = h.call(t, http.MethodGet, "/api/v1/runs/pending", nodeToken, nil)
	require.Equal(t, http.StatusOK, status)
	var pending []struct {
		ID    uint   `json:"id"`
		Input []byte `json:"input"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, created.RunIDs[0], pending[0].ID)
	assert.Equal(t, []byte("json.{}"), pending[0].Input)

	// Node reports completion with a result.
	runPath := fmt.Sprintf("/api/v1/runs/%d", pending[0].ID)
	status, resp = h.call(t, http.MethodPatch, runPath, nodeToken, map[string]any{
		"status": "completed",
		"result": []byte("42.0"),
	})
	require.Equal(t, http.StatusOK, status, "error: %+v", resp.Error)

	// Task is now finished; the status poll sees it.
	statusPath := "/api/v1/tasks/" + created.UUID + "/status"
	status, resp = h.call(t, http.MethodGet, statusPath, initiator, nil)
	require.Equal(t, http.StatusOK, status)
	var summary struct {
		Status   string `json:"status"`
		Finished bool   `json:"finished"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &summary))
	assert.True(t, summary.Finished)
	assert.Equal(t, "completed", summary.Status)

	// Initiator collects the result.
	resultsPath := "/api/v1/tasks/" + created.UUID + "/results"
	status, resp = h.call(t, http.MethodGet, resultsPath, initiator, nil)
	require.Equal(t, http.StatusOK, status)
	var entries []struct {
		Payload []byte `json:"payload"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("42.0"), entries[0].Payload)

	// A fellow member is not the initiator: results are forbidden.
	member := h.userToken(t, h.fixture.Organizations[1].ID)
	status, resp = h.call(t, http.MethodGet, resultsPath, member, nil)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "AUTHORIZATION", resp.Error.Code)
}

func TestAuthRequired(t *testing.T) {
	h := newAPIHarness(t)

	status, resp := h.call(t, http.MethodPost, "/api/v1/tasks", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "AUTHENTICATION", resp.Error.Code)

	status, _ = h.call(t, http.MethodGet, "/api/v1/runs/pending", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRunEndpointsRejectUserTokens(t *testing.T) {
	h := newAPIHarness(t)
	user := h.userToken(t, h.fixture.Organizations[0].ID)

	status, resp := h.call(t, http.MethodGet, "/api/v1/runs/pending", user, nil)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "AUTHORIZATION", resp.Error.Code)
}

func TestNodeTokenRejectsUnknownKey(t *testing.T) {
	h := newAPIHarness(t)

	status, resp := h.call(t, http.MethodPost, "/api/v1/token/node", "", map[string]string{
		"api_key": "does-not-exist",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "AUTHENTICATION", resp.Error.Code)
}

func TestConflictingTerminalPostMapsTo409(t *testing.T) {
	h := newAPIHarness(t)
	initiator := h.userToken(t, h.fixture.Organizations[0].ID)

	_, resp := h.call(t, http.MethodPost, "/api/v1/token/node", "", map[string]string{
		"api_key": h.fixture.Nodes[0].APIKey,
	})
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &tok))

	_, resp = h.call(t, http.MethodPost, "/api/v1/tasks", initiator, map[string]any{
		"collaboration_id": h.fixture.Collaboration.ID,
		"organizations":    []uint{h.fixture.Organizations[0].ID},
		"image":            "vantage6/average",
		"input":            []byte("json.{}"),
	})
	var created struct {
		RunIDs []uint `json:"run_ids"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	runPath := fmt.Sprintf("/api/v1/runs/%d", created.RunIDs[0])

	status, _ := h.call(t, http.MethodPatch, runPath, tok.Token, map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, status)

	// A different terminal status after completion is a conflict.
	status, resp = h.call(t, http.MethodPatch, runPath, tok.Token, map[string]any{"status": "crashed"})
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONSISTENCY", resp.Error.Code)

	// Redelivering the identical terminal post stays 200.
	status, _ = h.call(t, http.MethodPatch, runPath, tok.Token, map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusOK, status)
}

func TestHealthEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOrganizationKeyRotationOwnOrgOnly(t *testing.T) {
	h := newAPIHarness(t)
	caller := h.userToken(t, h.fixture.Organizations[0].ID)

	key := testutil.GenerateKey(t)
	pub, err := crypto.MarshalPublicKey(&key.PublicKey)
	require.NoError(t, err)

	ownPath := fmt.Sprintf("/api/v1/organizations/%d/public-key", h.fixture.Organizations[0].ID)
	status, _ := h.call(t, http.MethodPut, ownPath, caller, map[string]any{"public_key": pub})
	assert.Equal(t, http.StatusOK, status)

	otherPath := fmt.Sprintf("/api/v1/organizations/%d/public-key", h.fixture.Organizations[1].ID)
	status, resp := h.call(t, http.MethodPut, otherPath, caller, map[string]any{"public_key": pub})
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, resp.Error)
}
