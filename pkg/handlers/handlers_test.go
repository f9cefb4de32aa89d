/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/cache"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/instance"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/scheduler"
)

type fakeDeleteClient struct {
	provider.Client
	deleted []string
}

func (f *fakeDeleteClient) DeleteInstance(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type testAPI struct {
	engine *gin.Engine
	store  *instance.Store
	queue  *queue.Queue
	client *fakeDeleteClient
}

func newTestAPI(t *testing.T, authToken string) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	kv := kvstore.NewClientFromRedis(rdb, "gim:")

	q := queue.New(kv, queue.Options{})
	store := instance.NewStore(cache.New(kv, cache.Options{Name: "instances"}), 0)
	client := &fakeDeleteClient{}
	// disabled: never started in tests, and disabled schedulers report healthy
	mgr := scheduler.NewManager(scheduler.NewMigration(q, time.Minute, false))

	h := NewHandler(kv, store, q, client, mgr)
	return &testAPI{engine: InitRouters(h, authToken), store: store, queue: q, client: client}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func TestCreateInstanceAccepted(t *testing.T) {
	a := newTestAPI(t, "")
	w := a.do(t, http.MethodPost, "/api/v1/instances", CreateInstanceRequest{
		Name: "dev-box", ProductName: "RTX4090", TemplateID: "tpl-1", WebhookURL: "http://hook",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rsp CreateInstanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rsp))
	require.NotEmpty(t, rsp.InstanceID)
	require.NotEmpty(t, rsp.JobID)

	st, err := a.store.Get(context.Background(), rsp.InstanceID)
	require.NoError(t, err)
	require.Equal(t, instance.StatusCreating, st.Status)
	require.Equal(t, 1, st.Configuration.GpuNum, "gpuNum defaults to 1")

	job, err := a.queue.Get(context.Background(), rsp.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.TypeCreateInstance, job.Type)
	require.Equal(t, queue.PriorityHigh, job.Priority)
}

func TestCreateInstanceRejectsBadBody(t *testing.T) {
	a := newTestAPI(t, "")
	w := a.do(t, http.MethodPost, "/api/v1/instances", map[string]string{"name": "x"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr ApiError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	require.NotEmpty(t, apiErr.ErrorCode)
}

func TestGetInstanceNotFound(t *testing.T) {
	a := newTestAPI(t, "")
	w := a.do(t, http.MethodGet, "/api/v1/instances/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteInstanceRemovesBothSides(t *testing.T) {
	a := newTestAPI(t, "")
	require.NoError(t, a.store.Save(context.Background(), &instance.State{
		ID: "i-1", NovitaInstanceID: "nv-1", Status: instance.StatusRunning,
		Timestamps: instance.Timestamps{Created: time.Now()},
	}))

	w := a.do(t, http.MethodDelete, "/api/v1/instances/i-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"nv-1"}, a.client.deleted)

	_, err := a.store.Get(context.Background(), "i-1")
	require.Error(t, err)
}

func TestTouchLastUsed(t *testing.T) {
	a := newTestAPI(t, "")
	require.NoError(t, a.store.Save(context.Background(), &instance.State{
		ID: "i-1", Status: instance.StatusRunning,
		Timestamps: instance.Timestamps{Created: time.Now()},
	}))

	w := a.do(t, http.MethodPost, "/api/v1/instances/i-1/lastused", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	st, err := a.store.Get(context.Background(), "i-1")
	require.NoError(t, err)
	require.NotNil(t, st.Timestamps.LastUsed)
}

func TestQueueStatsAndJobs(t *testing.T) {
	a := newTestAPI(t, "")
	_, err := a.queue.Add(context.Background(), queue.TypeSendWebhook, queue.Payload{
		SendWebhook: &queue.SendWebhookPayload{URL: "http://x", Payload: map[string]any{}},
	}, queue.PriorityNormal, 0)
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/api/v1/queue/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats queue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.Pending)

	w = a.do(t, http.MethodGet, "/api/v1/jobs?type=SendWebhook", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"count":1`)
}

func TestSchedulerEndpoints(t *testing.T) {
	a := newTestAPI(t, "")
	w := a.do(t, http.MethodGet, "/api/v1/schedulers", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "migration")

	w = a.do(t, http.MethodPost, "/api/v1/schedulers/migration/execute", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "jobId")

	w = a.do(t, http.MethodPost, "/api/v1/schedulers/bogus/execute", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthToken(t *testing.T) {
	a := newTestAPI(t, "secret")

	w := a.do(t, http.MethodGet, "/api/v1/queue/stats", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/queue/stats", nil,
		map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusOK, w.Code)

	// health and metrics stay open
	w = a.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, "")
	w := a.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"redis":true`)
}
