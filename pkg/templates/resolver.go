/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package templates

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/cache"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
)

const DefaultCacheTTL = 10 * time.Minute

var validPortTypes = map[string]bool{
	"tcp":   true,
	"udp":   true,
	"http":  true,
	"https": true,
}

// Resolver fetches and validates container templates, caching validated
// templates by id.
type Resolver struct {
	client   provider.Client
	cache    *cache.Cache
	cacheTTL time.Duration
}

func NewResolver(client provider.Client, c *cache.Cache, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{client: client, cache: c, cacheTTL: ttl}
}

// Get returns the validated template for id. Invalid templates are rejected
// before they reach the cache.
func (r *Resolver) Get(ctx context.Context, id string) (*provider.Template, error) {
	if id == "" {
		return nil, errs.New(errs.Validation, "template id is required")
	}
	var cached provider.Template
	if r.cache != nil {
		if found, err := r.cache.Get(ctx, id, &cached); err == nil && found {
			return &cached, nil
		}
	}
	tpl, err := r.client.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Validate(tpl); err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, id, tpl, r.cacheTTL); err != nil {
			klog.ErrorS(err, "failed to cache template", "template", id)
		}
	}
	return tpl, nil
}

// Validate checks the structural rules a template must satisfy before it can
// be turned into a create request.
func Validate(tpl *provider.Template) error {
	if tpl == nil || tpl.ID == "" {
		return errs.New(errs.TemplateInvalid, "template has no id")
	}
	if tpl.ImageURL == "" {
		return errs.New(errs.TemplateInvalid, "template %s has no imageUrl", tpl.ID)
	}
	for _, port := range tpl.Ports {
		if port.Port < 1 || port.Port > 65535 {
			return errs.New(errs.TemplateInvalid,
				"template %s port %d out of range", tpl.ID, port.Port)
		}
		if !validPortTypes[port.Type] {
			return errs.New(errs.TemplateInvalid,
				"template %s port %d has invalid type %q", tpl.ID, port.Port, port.Type)
		}
	}
	for _, env := range tpl.Envs {
		if env.Key == "" {
			return errs.New(errs.TemplateInvalid, "template %s has env var with empty key", tpl.ID)
		}
	}
	return nil
}
