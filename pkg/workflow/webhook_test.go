/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
)

func webhookJob(url string, headers map[string]string) *queue.Job {
	return &queue.Job{ID: "job_hook", Type: queue.TypeSendWebhook, Payload: queue.Payload{
		SendWebhook: &queue.SendWebhookPayload{
			URL:     url,
			Payload: map[string]any{"instanceId": "i-1", "status": "running"},
			Headers: headers,
		},
	}}
}

func TestSendWebhookDelivers(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newEnv(t, Options{})
	err := e.engine.HandleSendWebhook(context.Background(),
		webhookJob(srv.URL, map[string]string{"Authorization": "Bearer tok"}))
	require.NoError(t, err)
	require.Equal(t, "i-1", got["instanceId"])
	require.Equal(t, "running", got["status"])
	require.Equal(t, "Bearer tok", auth)
}

func TestSendWebhookNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := newEnv(t, Options{})
	err := e.engine.HandleSendWebhook(context.Background(), webhookJob(srv.URL, nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestSendWebhookUnreachableFails(t *testing.T) {
	e := newEnv(t, Options{})
	err := e.engine.HandleSendWebhook(context.Background(),
		webhookJob("http://127.0.0.1:1/hook", nil))
	require.Error(t, err)
}
