package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStoreChecker struct {
	err error
}

func (f *fakeStoreChecker) Ping(context.Context) error { return f.err }

func serve(t *testing.T, h *Handler, handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)
	handler(c)
	return w
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, nil)
	w := serve(t, h, h.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestLivenessIgnoresDependencies(t *testing.T) {
	h := NewHandler(nil, &fakeStoreChecker{err: errors.New("down")})
	w := serve(t, h, h.Liveness, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessNilDependencies(t *testing.T) {
	h := NewHandler(nil, nil)
	w := serve(t, h, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReadinessResponseShape(t *testing.T) {
	h := NewHandler(nil, &fakeStoreChecker{})
	w := serve(t, h, h.Readiness, "/health/ready")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, key := range []string{"status", "checks", "timestamp", "redis", "store"} {
		assert.Contains(t, body, key)
	}
}

func TestReadinessStoreUnhealthy(t *testing.T) {
	h := NewHandler(nil, &fakeStoreChecker{err: errors.New("connection refused")})
	w := serve(t, h, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestNilStoreIsHealthy(t *testing.T) {
	h := NewHandler(nil, nil)
	assert.Equal(t, "healthy", h.checkStore(context.Background()))
}
