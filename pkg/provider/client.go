/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/utils/httpclient"
)

// HTTPClient implements Client against the Provider's REST API. Calls pass
// through a rate limiter and a circuit breaker before hitting the wire;
// failures come back classified per the errs taxonomy.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    httpclient.Interface
	limiter *rate.Limiter
	breaker *breaker
}

type HTTPOptions struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond int
	Burst             int
}

func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = rps * 2
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    httpclient.NewHttpClient(opts.Timeout),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: newBreaker(5, 30*time.Second),
	}
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if !c.breaker.allow() {
		return errs.New(errs.ProviderCircuitOpen, "provider circuit open, refusing %s %s", method, path)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.Wrap(err, errs.ProviderTimeout, "rate limit wait for %s %s", method, path)
	}

	var rsp *httpclient.Result
	var err error
	fullURL := c.baseURL + path
	auth := []string{"Authorization", "Bearer " + c.apiKey}
	switch method {
	case http.MethodGet:
		rsp, err = c.http.Get(ctx, fullURL, auth...)
	case http.MethodPost:
		rsp, err = c.http.Post(ctx, fullURL, body, auth...)
	case http.MethodDelete:
		rsp, err = c.http.Delete(ctx, fullURL, auth...)
	default:
		return errs.New(errs.InternalError, "unsupported method %s", method)
	}
	if err != nil {
		c.breaker.failure()
		return classifyTransport(err, method, path)
	}
	if !rsp.IsSuccess() {
		if rsp.StatusCode >= 500 {
			c.breaker.failure()
		} else {
			c.breaker.success()
		}
		return classifyStatus(rsp, method, path)
	}
	c.breaker.success()
	if out != nil && len(rsp.Body) > 0 {
		if derr := json.Unmarshal(rsp.Body, out); derr != nil {
			return errs.Wrap(derr, errs.ProviderUnknown, "decode %s %s response", method, path)
		}
	}
	return nil
}

func classifyTransport(err error, method, path string) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errs.Wrap(err, errs.ProviderTimeout, "%s %s timed out", method, path)
	}
	return errs.Wrap(err, errs.ProviderNetwork, "%s %s transport failure", method, path)
}

func classifyStatus(rsp *httpclient.Result, method, path string) error {
	msg := strings.TrimSpace(string(rsp.Body))
	switch {
	case rsp.StatusCode == http.StatusTooManyRequests:
		e := errs.New(errs.ProviderRateLimited, "%s %s rate limited: %s", method, path, msg)
		if retryAfter := rsp.Header.Get("Retry-After"); retryAfter != "" {
			if secs, err := strconv.Atoi(retryAfter); err == nil {
				e = e.WithRetryAfter(time.Duration(secs) * time.Second)
			}
		}
		return e
	case rsp.StatusCode == http.StatusNotFound:
		return errs.New(errs.NotFound, "%s %s: %s", method, path, msg)
	case rsp.StatusCode == http.StatusUnauthorized || rsp.StatusCode == http.StatusForbidden:
		return errs.New(errs.Unauthorized, "%s %s: %s", method, path, msg)
	case rsp.StatusCode == http.StatusBadRequest:
		if strings.Contains(strings.ToLower(msg), "invalid state") {
			return errs.New(errs.ProviderInvalidState, "%s %s: %s", method, path, msg)
		}
		return errs.New(errs.BadRequest, "%s %s: %s", method, path, msg)
	case rsp.StatusCode >= 500:
		return errs.New(errs.ProviderServerError, "%s %s server error %d: %s", method, path, rsp.StatusCode, msg)
	default:
		return errs.New(errs.ProviderUnknown, "%s %s unexpected status %d: %s", method, path, rsp.StatusCode, msg)
	}
}

func (c *HTTPClient) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	q := url.Values{}
	if filter.ProductName != "" {
		q.Set("productName", filter.ProductName)
	}
	if filter.Region != "" {
		q.Set("region", filter.Region)
	}
	path := "/v1/products"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Products []Product `json:"products"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

func (c *HTTPClient) GetTemplate(ctx context.Context, id string) (*Template, error) {
	var out struct {
		Template Template `json:"template"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/templates/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Template, nil
}

func (c *HTTPClient) GetRegistryAuth(ctx context.Context, id string) (*RegistryAuth, error) {
	var out RegistryAuth
	if err := c.call(ctx, http.MethodGet, "/v1/registry-auths/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateInstance(ctx context.Context, req *CreateInstanceRequest) (*CreateInstanceResponse, error) {
	var out CreateInstanceResponse
	if err := c.call(ctx, http.MethodPost, "/v1/instances", req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errs.New(errs.ProviderUnknown, "create instance returned empty id")
	}
	return &out, nil
}

func (c *HTTPClient) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var out Instance
	if err := c.call(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) StartInstance(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/start", nil, nil)
}

func (c *HTTPClient) StopInstance(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (c *HTTPClient) DeleteInstance(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/v1/instances/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) ListInstances(ctx context.Context, page, pageSize int, status string) (*InstancePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	if status != "" {
		q.Set("status", status)
	}
	var out InstancePage
	if err := c.call(ctx, http.MethodGet, "/v1/instances?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) MigrateInstance(ctx context.Context, id string) (*MigrateResult, error) {
	var out MigrateResult
	if err := c.call(ctx, http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/migrate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAllInstances pages through the Provider's instance list, 50 per page
// with a 100ms gap between pages.
func ListAllInstances(ctx context.Context, client Client, status string) ([]Instance, error) {
	const pageSize = 50
	var all []Instance
	for page := 1; ; page++ {
		result, err := client.ListInstances(ctx, page, pageSize, status)
		if err != nil {
			return nil, fmt.Errorf("list instances page %d: %w", page, err)
		}
		all = append(all, result.Instances...)
		if len(result.Instances) < pageSize {
			return all, nil
		}
		klog.V(4).Infof("fetched %d provider instances, continuing to page %d", len(all), page+1)
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
