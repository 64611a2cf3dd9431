package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/handlers"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
)

func TestRouterHealthWithoutRegistryIsUnhealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	router := NewRouter(RouterConfig{
		Log:           log,
		SystemHandler: handlers.NewSystemHandler(log, nil, nil, graph.NewStore(nil, log)),
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status: want=%d got=%d body=%s", http.StatusServiceUnavailable, w.Code, w.Body.String())
	}
}

func TestRouterSkipsUnconfiguredHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	router := NewRouter(RouterConfig{Log: log})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unregistered route: want=%d got=%d", http.StatusNotFound, w.Code)
	}
}
