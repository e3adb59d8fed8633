package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name string
		p    pinger
		code int
		body string
	}{
		{"no ledger", nil, http.StatusOK, `{"status":"healthy"}`},
		{"db up", pingFunc(func(context.Context) error { return nil }), http.StatusOK, `{"status":"healthy"}`},
		{"db down", pingFunc(func(context.Context) error { return errors.New("refused") }), http.StatusServiceUnavailable, `{"status":"unhealthy","reason":"db unreachable"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(tt.p, zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}
