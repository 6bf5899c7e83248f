package caseapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blingmoon/case-workflow/workflow"
)

const testToken = "secret"

func newTestRepo(t *testing.T) *workflow.CaseRepo {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo := workflow.NewCaseRepo(db, nil, nil)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func newTestServer(t *testing.T, repo workflow.CaseRepository) *Server {
	t.Helper()
	config := DefaultServerConfig()
	config.AuthToken = testToken
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "caseapi_test_total", Help: "test"}))
	return NewServer(config, repo, reg, nil)
}

func doJSON(t *testing.T, server *Server, method string, path string, body any) (*httptest.ResponseRecorder, *Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	resp := &Response{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), resp))
	}
	return w, resp
}

func TestServer_Auth(t *testing.T) {
	server := newTestServer(t, newTestRepo(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/statistics", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/statistics", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := doJSON(t, server, http.MethodGet, "/api/v1/statistics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	// 健康检查不需要token
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestServer_NoAuthToken(t *testing.T) {
	server := NewServer(DefaultServerConfig(), newTestRepo(t), prometheus.NewRegistry(), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/statistics", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	server := newTestServer(t, newTestRepo(t))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "caseapi_test_total")
}

func TestServer_CaseLifecycle(t *testing.T) {
	server := newTestServer(t, newTestRepo(t))

	w, resp := doJSON(t, server, http.MethodPost, "/api/v1/cases", map[string]any{
		"case_number": "Q-1", "client_name": "Acme", "project_name": "仓库",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, resp.Success)

	w, resp = doJSON(t, server, http.MethodPost, "/api/v1/cases", map[string]any{
		"case_number": "Q-1", "client_name": "Acme", "project_name": "仓库",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, CodeValidationFailed, resp.Code)

	w, resp = doJSON(t, server, http.MethodPost, "/api/v1/cases/Q-1/transitions", map[string]any{
		"expected_version": 1, "to_state": workflow.CaseStateEstimation, "actor": "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	testCases := []struct {
		name       string
		path       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "版本号过期",
			path:       "/api/v1/cases/Q-1/transitions",
			body:       map[string]any{"expected_version": 1, "to_state": workflow.CaseStateQuotation, "actor": "alice"},
			wantStatus: http.StatusConflict,
			wantCode:   CodeConcurrentModification,
		},
		{
			name:       "跳过状态",
			path:       "/api/v1/cases/Q-1/transitions",
			body:       map[string]any{"expected_version": 2, "to_state": workflow.CaseStateOrder, "actor": "alice"},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   CodeIllegalTransition,
		},
		{
			name:       "案件不存在",
			path:       "/api/v1/cases/NOPE/transitions",
			body:       map[string]any{"expected_version": 1, "to_state": workflow.CaseStateEstimation, "actor": "alice"},
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
		},
		{
			name:       "缺少actor",
			path:       "/api/v1/cases/Q-1/transitions",
			body:       map[string]any{"expected_version": 2, "to_state": workflow.CaseStateQuotation},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeValidationFailed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w, resp := doJSON(t, server, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantCode, resp.Code)
			assert.False(t, resp.Success)
		})
	}

	w, _ = doJSON(t, server, http.MethodGet, "/api/v1/cases/Q-1/timeline", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = doJSON(t, server, http.MethodGet, "/api/v1/cases/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = doJSON(t, server, http.MethodGet, "/api/v1/cases?state=archived", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w, _ = doJSON(t, server, http.MethodGet, "/api/v1/cases", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// readOnlyRepo 只实现 CaseRepository, 不支持录入
type readOnlyRepo struct {
	workflow.CaseRepository
}

func TestServer_CreateCaseNotSupported(t *testing.T) {
	server := newTestServer(t, readOnlyRepo{CaseRepository: newTestRepo(t)})
	w, resp := doJSON(t, server, http.MethodPost, "/api/v1/cases", map[string]any{
		"case_number": "Q-1", "client_name": "Acme", "project_name": "仓库",
	})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, CodeNotImplemented, resp.Code)
}

func TestServer_StartStop(t *testing.T) {
	config := DefaultServerConfig()
	config.Addr = "127.0.0.1:0"
	server := NewServer(config, newTestRepo(t), prometheus.NewRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
