package route

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/controller"
	"github.com/scroll-tech/aa-orchestrator/internal/sponsor"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

func TestRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	cfg := &config.Config{APIKeys: []string{"test-api-key"}, RateLimiterQPS: 100}
	Route(router, cfg, controller.NewAPI(nil, nil, nil, nil, nil, sponsor.Policy{}), prometheus.NewRegistry())

	post := func(auth string) types.JSONRPCResponse {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"aa_unknown","params":[]}`))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		router.ServeHTTP(w, req)
		var resp types.JSONRPCResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		return resp
	}

	t.Run("requires api key", func(t *testing.T) {
		assert.Equal(t, types.UnauthorizedErrorCode, post("").Error.Code)
	})

	t.Run("dispatches to the api", func(t *testing.T) {
		assert.Equal(t, types.MethodNotFoundCode, post("Bearer test-api-key").Error.Code)
	})

	t.Run("cors preflight", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://shop.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
