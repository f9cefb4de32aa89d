/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJsonBody(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHttpClient(5 * time.Second)
	rsp, err := c.Post(context.Background(), srv.URL, map[string]string{"name": "n1"},
		"Authorization", "Bearer tok")
	require.NoError(t, err)
	assert.True(t, rsp.IsSuccess())
	assert.Equal(t, "n1", got["name"])
	assert.Contains(t, rsp.String(), "200")
}

func TestNon2xxIsNotSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHttpClient(5 * time.Second)
	rsp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, rsp.IsSuccess())
	assert.Equal(t, http.StatusBadGateway, rsp.StatusCode)
}

func TestBuildRequestHeaderPairs(t *testing.T) {
	req, err := BuildRequest(context.Background(), "http://example.com", http.MethodPost,
		"raw-body", "X-One", "1", "dangling")
	require.NoError(t, err)
	assert.Equal(t, "1", req.Header.Get("X-One"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}
