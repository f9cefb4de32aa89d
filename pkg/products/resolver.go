/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package products

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/cache"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
)

// DefaultCacheTTL bounds how long a product listing is reused before the
// provider is asked again. Spot prices move, so this stays short.
const DefaultCacheTTL = 5 * time.Minute

// Resolver picks the cheapest purchasable spot product for a given product
// name, optionally walking an ordered region list until one region yields a
// match.
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

func listingKey(name, region string) string {
	return fmt.Sprintf("listing:%s:%s", name, region)
}

// listProducts returns the provider listing for one (name, region) pair,
// served from cache when a fresh listing exists.
func (r *Resolver) listProducts(ctx context.Context, name, region string) ([]provider.Product, error) {
	key := listingKey(name, region)
	var cached []provider.Product
	if r.cache != nil {
		if found, err := r.cache.Get(ctx, key, &cached); err == nil && found {
			return cached, nil
		}
	}
	products, err := r.client.ListProducts(ctx, provider.ProductFilter{ProductName: name, Region: region})
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, products, r.cacheTTL); err != nil {
			klog.ErrorS(err, "failed to cache product listing", "name", name, "region", region)
		}
	}
	return products, nil
}

// Optimal returns the cheapest available spot product in one region.
func (r *Resolver) Optimal(ctx context.Context, name, region string) (*provider.Product, error) {
	products, err := r.listProducts(ctx, name, region)
	if err != nil {
		return nil, err
	}
	candidates := make([]provider.Product, 0, len(products))
	for _, p := range products {
		if p.Availability == "available" && p.SpotPrice > 0 {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, errs.New(errs.NoProductAvailable,
			"no available spot product for %q in region %q", name, region)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SpotPrice != b.SpotPrice {
			return a.SpotPrice < b.SpotPrice
		}
		if a.OnDemandPrice != b.OnDemandPrice {
			return a.OnDemandPrice < b.OnDemandPrice
		}
		return a.ID < b.ID
	})
	return &candidates[0], nil
}

// OptimalWithFallback walks regions in priority order and returns the first
// region that yields a product, together with the region that served it. A
// supplied preferred region is tried first without disturbing the relative
// order of the rest.
func (r *Resolver) OptimalWithFallback(ctx context.Context, name string, regions []string, preferred string) (*provider.Product, string, error) {
	ordered := orderRegions(regions, preferred)
	if len(ordered) == 0 {
		return nil, "", errs.New(errs.Validation, "no candidate regions for product %q", name)
	}
	var failures []string
	for _, region := range ordered {
		product, err := r.Optimal(ctx, name, region)
		if err == nil {
			if region != ordered[0] {
				klog.Infof("product %s resolved via fallback region %s", name, region)
			}
			return product, region, nil
		}
		failures = append(failures, fmt.Sprintf("%s: %v", region, err))
		klog.V(4).Infof("region %s has no product for %s: %v", region, name, err)
	}
	return nil, "", errs.New(errs.NoProductAvailable,
		"product %q unavailable in all regions [%s]", name, strings.Join(failures, "; "))
}

func orderRegions(regions []string, preferred string) []string {
	if preferred == "" {
		return regions
	}
	ordered := make([]string, 0, len(regions)+1)
	ordered = append(ordered, preferred)
	for _, region := range regions {
		if region != preferred {
			ordered = append(ordered, region)
		}
	}
	return ordered
}
