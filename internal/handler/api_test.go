package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/labs"
	"github.com/EpicMandM/lab-session-manager/internal/ledger"
	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/EpicMandM/lab-session-manager/internal/models"
	"github.com/EpicMandM/lab-session-manager/internal/orchestrator"
	"github.com/EpicMandM/lab-session-manager/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 1, 14, 33, 0, 0, time.UTC)

type mockLauncher struct {
	enterFn func(ctx context.Context, key string, user models.User, now time.Time) (*orchestrator.Result, error)
}

func (m *mockLauncher) Enter(ctx context.Context, key string, user models.User, now time.Time) (*orchestrator.Result, error) {
	return m.enterFn(ctx, key, user, now)
}

type mockHealth struct {
	err error
}

func (m *mockHealth) Ping(context.Context) error { return m.err }

type testAPI struct {
	handler  *APIHandler
	server   http.Handler
	launcher *mockLauncher
	health   *mockHealth
	logs     *bytes.Buffer
}

func newTestAPI(t *testing.T, rateLimit int) *testAPI {
	t.Helper()
	reg, err := labs.New(labs.File{Labs: []labs.Definition{
		{Key: "lab_1", DisplayName: "Arduino", Description: "Arduino rig", HostPort: 8001, SlotDuration: 10 * time.Minute},
		{Key: "lab_2", HostPort: 8002, SlotDuration: 30 * time.Minute},
	}})
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf)
	api := &testAPI{
		launcher: &mockLauncher{},
		health:   &mockHealth{},
		logs:     &buf,
	}
	api.handler = NewAPIHandler(reg, ledger.New(st, reg, log), api.launcher, api.health, log, Options{
		RateLimitPerMinute: rateLimit,
		Now:                func() time.Time { return now },
	})
	api.server = api.handler.Routes()
	return api
}

func (a *testAPI) do(t *testing.T, method, path, user, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(HeaderUser, user)
		req.Header.Set(HeaderEmail, user+"@example.com")
	}
	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func assertDenied(t *testing.T, rec *httptest.ResponseRecorder, body map[string]any, status int, reason string) {
	t.Helper()
	assert.Equal(t, status, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, reason, body["reason"])
	assert.NotEmpty(t, body["message"])
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, 0)

	rec, body := api.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	api.health.err = errors.New("database is closed")
	rec, body = api.do(t, http.MethodGet, "/healthz", "", "")
	assertDenied(t, rec, body, http.StatusServiceUnavailable, models.ReasonInternal)
	assert.NotContains(t, rec.Body.String(), "database is closed")
}

func TestRequiresIdentity(t *testing.T) {
	api := newTestAPI(t, 0)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/labs"},
		{http.MethodGet, "/api/labs/lab_1/availability?slot=2024-01-01T15:00:00Z"},
		{http.MethodPost, "/api/labs/lab_1/bookings"},
		{http.MethodPost, "/api/labs/lab_1/enter"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec, body := api.do(t, tc.method, tc.path, "", "")
			assertDenied(t, rec, body, http.StatusUnauthorized, reasonUnauthenticated)
		})
	}
}

func TestListLabs(t *testing.T) {
	api := newTestAPI(t, 0)

	rec, body := api.do(t, http.MethodGet, "/api/labs", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list, ok := body["labs"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)

	first := list[0].(map[string]any)
	assert.Equal(t, "lab_1", first["key"])
	assert.Equal(t, "Arduino", first["display_name"])
	assert.Equal(t, float64(10), first["slot_minutes"])
	second := list[1].(map[string]any)
	assert.Equal(t, "lab_2", second["display_name"])
}

func TestCheckAvailability(t *testing.T) {
	api := newTestAPI(t, 0)

	rec, body := api.do(t, http.MethodGet, "/api/labs/lab_1/availability?slot=2024-01-01T15:04:00Z", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "available", body["availability"])
	assert.Equal(t, "2024-01-01T15:00:00Z", body["slot_start"])

	api.do(t, http.MethodPost, "/api/labs/lab_1/bookings", "u2", `{"slot_start":"2024-01-01T15:00:00Z"}`)

	_, body = api.do(t, http.MethodGet, "/api/labs/lab_1/availability?slot=2024-01-01T15:00:00Z", "u1", "")
	assert.Equal(t, "taken", body["availability"])
}

func TestCheckAvailability_Denials(t *testing.T) {
	api := newTestAPI(t, 0)

	tests := []struct {
		name   string
		path   string
		status int
		reason string
	}{
		{"missing slot", "/api/labs/lab_1/availability", http.StatusBadRequest, reasonBadRequest},
		{"bad slot", "/api/labs/lab_1/availability?slot=tomorrow", http.StatusBadRequest, reasonBadRequest},
		{"past slot", "/api/labs/lab_1/availability?slot=2024-01-01T14:20:00Z", http.StatusUnprocessableEntity, models.ReasonSlotInPast},
		{"unknown lab", "/api/labs/lab_9/availability?slot=2024-01-01T15:00:00Z", http.StatusNotFound, models.ReasonUnknownResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := api.do(t, http.MethodGet, tt.path, "u1", "")
			assertDenied(t, rec, body, tt.status, tt.reason)
		})
	}
}

func TestReserve(t *testing.T) {
	api := newTestAPI(t, 0)

	rec, body := api.do(t, http.MethodPost, "/api/labs/lab_1/bookings", "u1", `{"slot_start":"2024-01-01T15:07:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["ok"])
	booking := body["booking"].(map[string]any)
	assert.Equal(t, "lab_1", booking["lab"])
	assert.Equal(t, "2024-01-01T15:00:00Z", booking["slot_start"])
	assert.Equal(t, "2024-01-01T15:10:00Z", booking["slot_end"])
	assert.NotEmpty(t, booking["id"])

	rec, body = api.do(t, http.MethodPost, "/api/labs/lab_1/bookings", "u2", `{"slot_start":"2024-01-01T15:00:00Z"}`)
	assertDenied(t, rec, body, http.StatusConflict, models.ReasonConflict)
}

func TestReserve_CurrentSlotAllowed(t *testing.T) {
	api := newTestAPI(t, 0)

	rec, _ := api.do(t, http.MethodPost, "/api/labs/lab_1/bookings", "u1", `{"slot_start":"2024-01-01T14:30:00Z"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestReserve_Denials(t *testing.T) {
	api := newTestAPI(t, 0)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		reason string
	}{
		{"invalid json", "/api/labs/lab_1/bookings", `{"slot_start":`, http.StatusBadRequest, reasonBadRequest},
		{"empty body", "/api/labs/lab_1/bookings", "", http.StatusBadRequest, reasonBadRequest},
		{"past slot", "/api/labs/lab_1/bookings", `{"slot_start":"2024-01-01T14:20:00Z"}`, http.StatusUnprocessableEntity, models.ReasonSlotInPast},
		{"unknown lab", "/api/labs/lab_9/bookings", `{"slot_start":"2024-01-01T15:00:00Z"}`, http.StatusNotFound, models.ReasonUnknownResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := api.do(t, http.MethodPost, tt.path, "u1", tt.body)
			assertDenied(t, rec, body, tt.status, tt.reason)
		})
	}
}

func TestReserve_ConcurrentOneWinner(t *testing.T) {
	api := newTestAPI(t, 0)

	const n = 10
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/labs/lab_1/bookings", strings.NewReader(`{"slot_start":"2024-01-01T16:00:00Z"}`))
			req.Header.Set(HeaderUser, "user-"+string(rune('a'+i)))
			rec := httptest.NewRecorder()
			api.server.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	created, conflicts := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, conflicts)
}

func TestListBookings(t *testing.T) {
	api := newTestAPI(t, 0)
	api.do(t, http.MethodPost, "/api/labs/lab_1/bookings", "u1", `{"slot_start":"2024-01-01T15:00:00Z"}`)
	api.do(t, http.MethodPost, "/api/labs/lab_1/bookings", "u2", `{"slot_start":"2024-01-01T15:10:00Z"}`)
	api.do(t, http.MethodPost, "/api/labs/lab_1/bookings", "u2", `{"slot_start":"2024-01-01T18:00:00Z"}`)

	rec, body := api.do(t, http.MethodGet, "/api/labs/lab_1/bookings?from=2024-01-01T15:00:00Z&to=2024-01-01T16:00:00Z", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := body["bookings"].([]any)
	require.Len(t, list, 2)

	mine := list[0].(map[string]any)
	assert.Equal(t, "2024-01-01T15:00:00Z", mine["slot_start"])
	assert.Equal(t, true, mine["mine"])
	assert.NotEmpty(t, mine["id"])

	theirs := list[1].(map[string]any)
	assert.Equal(t, "2024-01-01T15:10:00Z", theirs["slot_start"])
	assert.Equal(t, false, theirs["mine"])
	assert.NotContains(t, theirs, "id")
}

func TestListBookings_Denials(t *testing.T) {
	api := newTestAPI(t, 0)

	rec, body := api.do(t, http.MethodGet, "/api/labs/lab_1/bookings?from=2024-01-01T15:00:00Z", "u1", "")
	assertDenied(t, rec, body, http.StatusBadRequest, reasonBadRequest)

	rec, body = api.do(t, http.MethodGet, "/api/labs/lab_9/bookings?from=2024-01-01T15:00:00Z&to=2024-01-01T16:00:00Z", "u1", "")
	assertDenied(t, rec, body, http.StatusNotFound, models.ReasonUnknownResource)
}

func TestEnter(t *testing.T) {
	api := newTestAPI(t, 0)
	var gotUser models.User
	var gotNow time.Time
	api.launcher.enterFn = func(_ context.Context, key string, user models.User, at time.Time) (*orchestrator.Result, error) {
		gotUser, gotNow = user, at
		return &orchestrator.Result{
			SessionID: "lab_1-202401011430",
			URL:       "http://rig.example.com:8001/in4labs/lab_1/",
			SlotEnd:   time.Date(2024, 1, 1, 14, 40, 0, 0, time.UTC),
		}, nil
	}

	rec, body := api.do(t, http.MethodPost, "/api/labs/lab_1/enter", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "http://rig.example.com:8001/in4labs/lab_1/", body["url"])
	assert.Equal(t, "lab_1-202401011430", body["session_id"])
	assert.Equal(t, "2024-01-01T14:40:00Z", body["slot_end"])
	assert.Equal(t, false, body["reused"])

	assert.Equal(t, models.User{ID: "u1", Email: "u1@example.com"}, gotUser)
	assert.Equal(t, now, gotNow)
}

func TestEnter_Denials(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{"no reservation", models.ErrNoReservation, http.StatusForbidden, models.ReasonNoReservation},
		{"unknown lab", models.ErrUnknownResource, http.StatusNotFound, models.ReasonUnknownResource},
		{"provisioning", &models.ProvisioningError{Step: "primary", Err: errors.New("port is already allocated")}, http.StatusBadGateway, models.ReasonProvisioning},
		{"internal", errors.New("database is locked"), http.StatusInternalServerError, models.ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, 0)
			api.launcher.enterFn = func(context.Context, string, models.User, time.Time) (*orchestrator.Result, error) {
				return nil, tt.err
			}

			rec, body := api.do(t, http.MethodPost, "/api/labs/lab_1/enter", "u1", "")
			assertDenied(t, rec, body, tt.status, tt.reason)
			assert.NotContains(t, rec.Body.String(), tt.err.Error())
		})
	}
}

func TestEnter_ProvisioningFailureIsLogged(t *testing.T) {
	api := newTestAPI(t, 0)
	api.launcher.enterFn = func(context.Context, string, models.User, time.Time) (*orchestrator.Result, error) {
		return nil, &models.ProvisioningError{Step: "auxiliary", Container: "lab_1-202401011430-node-red", Err: errors.New("no such image")}
	}

	api.do(t, http.MethodPost, "/api/labs/lab_1/enter", "u1", "")
	assert.Contains(t, api.logs.String(), "ACTION=POST /api/labs/{lab}/enter")
	assert.Contains(t, api.logs.String(), "REASON=provisioning_failure")
	assert.Contains(t, api.logs.String(), "no such image")
}

func TestRateLimit(t *testing.T) {
	api := newTestAPI(t, 2)
	api.launcher.enterFn = func(context.Context, string, models.User, time.Time) (*orchestrator.Result, error) {
		return &orchestrator.Result{URL: "http://x"}, nil
	}

	for i := 0; i < 2; i++ {
		rec, _ := api.do(t, http.MethodPost, "/api/labs/lab_1/enter", "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := api.do(t, http.MethodPost, "/api/labs/lab_1/enter", "u1", "")
	assertDenied(t, rec, body, http.StatusTooManyRequests, reasonRateLimited)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Other users have their own budget, reads are not limited.
	rec, _ = api.do(t, http.MethodPost, "/api/labs/lab_1/enter", "u2", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = api.do(t, http.MethodGet, "/api/labs", "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserLimiter(t *testing.T) {
	var disabled *userLimiter
	assert.True(t, disabled.allow("u1", now))
	assert.Nil(t, newUserLimiter(0))

	l := newUserLimiter(1)
	assert.True(t, l.allow("u1", now))
	assert.False(t, l.allow("u1", now))
	assert.True(t, l.allow("u1", now.Add(time.Minute)))

	// Idle entries are evicted.
	l.allow("u2", now)
	l.allow("u1", now.Add(limiterEvictAfter+2*time.Minute))
	l.mu.Lock()
	_, ok := l.entries["u2"]
	l.mu.Unlock()
	assert.False(t, ok)
}
