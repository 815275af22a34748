package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/modelfetch/internal/catalog"
	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCode
	}{
		{"argument", download.ErrArgument, types.ErrInvalidRequest},
		{"download not found", download.ErrNotFound, types.ErrNotFound},
		{"catalog not found", fmt.Errorf("%w: x", catalog.ErrNotFound), types.ErrNotFound},
		{"already active", download.ErrAlreadyActive, types.ErrConflict},
		{"not active", download.ErrNotActive, types.ErrConflict},
		{"invalid state", download.ErrInvalidState, types.ErrConflict},
		{"stale", download.ErrStaleRemote, types.ErrStaleRemote},
		{"integrity", download.ErrIntegrity, types.ErrIntegrityFailed},
		{"network", download.ErrNetwork, types.ErrNetwork},
		{"filesystem", fmt.Errorf("wrapped: %w", download.ErrFileSystem), types.ErrFileSystem},
		{"error info", &types.ErrorInfo{Code: types.ErrConflict}, types.ErrConflict},
		{"unknown", errors.New("boom"), types.ErrInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), RecoveryMiddleware(), ErrorHandler())
	r.GET("/test", handlers...)
	return r
}

func TestFailWritesEnvelope(t *testing.T) {
	r := newRouter(func(c *gin.Context) { Fail(c, download.ErrAlreadyActive) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp types.ApiResponse[struct{}]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, types.ErrConflict, resp.Error.Code)
	assert.Equal(t, w.Header().Get("X-Request-ID"), resp.Metadata.RequestID)
}

func TestErrorHandler(t *testing.T) {
	r := newRouter(func(c *gin.Context) { c.Error(download.ErrStaleRemote) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"STALE_REMOTE"`)
}

func TestRecoveryMiddleware(t *testing.T) {
	r := newRouter(func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"INTERNAL_ERROR"`)
}

func TestRequestIDPropagates(t *testing.T) {
	r := newRouter(func(c *gin.Context) { Success(c, gin.H{"ok": true}) })

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), `"requestId":"abc-123"`)
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware([]string{"http://ui.local"}))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("Allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "http://ui.local")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "http://ui.local", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("Other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "http://other.local")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("Preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/test", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}
