package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(name string) Checker {
	return CheckerFunc{CheckName: name, Fn: func(context.Context) error { return nil }}
}

func failing(name string) Checker {
	return CheckerFunc{CheckName: name, Fn: func(context.Context) error { return errors.New("down") }}
}

func TestCheck_Statuses(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(r *CheckerRegistry)
		expected Status
	}{
		{"empty", func(r *CheckerRegistry) {}, StatusHealthy},
		{"all healthy", func(r *CheckerRegistry) { r.Register(ok("postgresql")) }, StatusHealthy},
		{"optional failing", func(r *CheckerRegistry) {
			r.Register(ok("postgresql"))
			r.RegisterOptional(failing("mongodb"))
		}, StatusDegraded},
		{"required failing", func(r *CheckerRegistry) {
			r.Register(failing("postgresql"))
			r.RegisterOptional(failing("mongodb"))
		}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewCheckerRegistry()
			tt.setup(r)
			assert.Equal(t, tt.expected, r.Check(context.Background()).Status)
		})
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := NewCheckerRegistry()
	r.Register(failing("redis"))

	router := gin.New()
	router.GET("/health", r.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "down", body.Checks["redis"].Message)
}
