package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundbot/internal/utils"
)

func newRouter(t *testing.T, sections map[string]StatsFunc) http.Handler {
	t.Helper()
	allowed, err := utils.ParseCIDRs([]string{"192.0.2.0/24"})
	require.NoError(t, err)
	return SetupRouter(allowed, sections, zap.NewNop())
}

func get(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthzAllowList(t *testing.T) {
	h := newRouter(t, nil)

	w := get(h, "/healthz", "192.0.2.10:5555")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = get(h, "/healthz", "203.0.113.9:5555")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStatsSections(t *testing.T) {
	h := newRouter(t, map[string]StatsFunc{
		"pool": func(context.Context) (any, error) {
			return map[string]int{"unused": 3}, nil
		},
	})

	w := get(h, "/stats", "192.0.2.10:5555")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body["pool"]["unused"])
}

func TestStatsFailure(t *testing.T) {
	h := newRouter(t, map[string]StatsFunc{
		"pool": func(context.Context) (any, error) { return nil, errors.New("db down") },
	})

	w := get(h, "/stats", "192.0.2.10:5555")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
