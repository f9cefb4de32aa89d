/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/instance"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
)

// HandleCreateInstance provisions a spot instance from the payload the API
// accepted. Resolution of product, template, and registry credentials runs
// concurrently; any failure marks the instance Failed and propagates so the
// queue retry policy can decide whether to try again.
func (e *Engine) HandleCreateInstance(ctx context.Context, job *queue.Job) error {
	p := job.Payload.CreateInstance

	state, err := e.store.Get(ctx, p.InstanceID)
	if err != nil {
		return err
	}

	res, err := e.resolveCreateInputs(ctx, p)
	if err != nil {
		e.markCreateFailed(ctx, p, err)
		return err
	}

	req := buildCreateRequest(p, res)
	created, err := e.client.CreateInstance(ctx, req)
	if err != nil {
		e.markCreateFailed(ctx, p, err)
		return err
	}

	now := time.Now()
	state.NovitaInstanceID = created.ID
	state.Status = instance.StatusStarting
	state.Timestamps.Started = &now
	state.Configuration.Region = res.region
	state.Configuration.ImageURL = res.template.ImageURL
	state.LastError = ""
	if err := e.store.Save(ctx, state); err != nil {
		klog.ErrorS(err, "failed to persist created instance", "instance", p.InstanceID)
	}

	maxWait := e.opts.MonitorMaxWait
	_, err = e.queue.Add(ctx, queue.TypeMonitorInstance, queue.Payload{
		MonitorInstance: &queue.MonitorInstancePayload{
			InstanceID:       p.InstanceID,
			NovitaInstanceID: created.ID,
			StartTime:        now,
			MaxWaitTimeMs:    maxWait.Milliseconds(),
			WebhookURL:       p.WebhookURL,
		},
	}, queue.PriorityHigh, 0)
	if err != nil {
		klog.ErrorS(err, "failed to enqueue monitor job", "instance", p.InstanceID)
	}

	klog.Infof("instance %s created as %s in region %s (product %s)",
		p.InstanceID, created.ID, res.region, res.product.ID)
	return nil
}

type createInputs struct {
	product  *provider.Product
	region   string
	template *provider.Template
	auth     *provider.RegistryAuth
}

// resolveCreateInputs resolves product, template, and (when the template
// references one) registry credentials concurrently.
func (e *Engine) resolveCreateInputs(ctx context.Context, p *queue.CreateInstancePayload) (*createInputs, error) {
	var (
		wg         sync.WaitGroup
		res        createInputs
		productErr error
		tplErr     error
		authErr    error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		res.product, res.region, productErr = e.products.OptimalWithFallback(
			ctx, p.ProductName, e.opts.Regions, p.Region)
	}()
	go func() {
		defer wg.Done()
		res.template, tplErr = e.templates.Get(ctx, p.TemplateID)
		if tplErr != nil || res.template.ImageAuthID == "" {
			return
		}
		res.auth, authErr = e.client.GetRegistryAuth(ctx, res.template.ImageAuthID)
	}()
	wg.Wait()

	for _, err := range []error{productErr, tplErr, authErr} {
		if err != nil {
			return nil, err
		}
	}
	return &res, nil
}

func buildCreateRequest(p *queue.CreateInstancePayload, res *createInputs) *provider.CreateInstanceRequest {
	req := &provider.CreateInstanceRequest{
		Name:        p.Name,
		ProductID:   res.product.ID,
		GpuNum:      p.GpuNum,
		RootfsSize:  p.RootfsSize,
		ImageURL:    res.template.ImageURL,
		Envs:        res.template.Envs,
		Kind:        "gpu",
		BillingMode: "spot",
	}
	if res.template.ImageAuthID != "" && res.auth != nil {
		req.ImageAuth = fmt.Sprintf("%s:%s", res.auth.Username, res.auth.Password)
	}
	if len(res.template.Ports) > 0 {
		ports := make([]string, 0, len(res.template.Ports))
		for _, port := range res.template.Ports {
			ports = append(ports, fmt.Sprintf("%d/%s", port.Port, port.Type))
		}
		req.Ports = strings.Join(ports, ",")
	}
	return req
}

func (e *Engine) markCreateFailed(ctx context.Context, p *queue.CreateInstancePayload, cause error) {
	now := time.Now()
	if _, err := e.store.Mutate(ctx, p.InstanceID, func(st *instance.State) {
		st.Status = instance.StatusFailed
		st.LastError = cause.Error()
		st.Timestamps.Failed = &now
	}); err != nil {
		klog.ErrorS(err, "failed to mark instance failed", "instance", p.InstanceID)
	}
	e.notifyWebhook(ctx, p.WebhookURL, p.InstanceID, "failed", nil, cause)
}
