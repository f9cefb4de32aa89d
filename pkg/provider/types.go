/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package provider

import "context"

// Product is a purchasable SKU in one region.
type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Region        string  `json:"region"`
	SpotPrice     float64 `json:"spotPrice"`
	OnDemandPrice float64 `json:"onDemandPrice"`
	Availability  string  `json:"availability"`
}

type ProductFilter struct {
	ProductName string
	Region      string
}

type TemplatePort struct {
	Port int    `json:"port"`
	Type string `json:"type"`
}

type TemplateEnv struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	ImageURL    string         `json:"imageUrl"`
	ImageAuthID string         `json:"imageAuth,omitempty"`
	Ports       []TemplatePort `json:"ports,omitempty"`
	Envs        []TemplateEnv  `json:"envs,omitempty"`
}

type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Instance is the Provider-side view of an instance.
type Instance struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Status          string   `json:"status"`
	Region          string   `json:"region"`
	ProductID       string   `json:"productId,omitempty"`
	GpuNum          int      `json:"gpuNum,omitempty"`
	GpuIds          []int    `json:"gpuIds,omitempty"`
	SpotStatus      string   `json:"spotStatus,omitempty"`
	SpotReclaimTime string   `json:"spotReclaimTime,omitempty"`
	PortMappings    []string `json:"portMappings,omitempty"`
	CreatedAt       string   `json:"createdAt,omitempty"`
}

const (
	InstanceStatusCreating = "creating"
	InstanceStatusStarting = "starting"
	InstanceStatusRunning  = "running"
	InstanceStatusExited   = "exited"
	InstanceStatusFailed   = "failed"
)

type CreateInstanceRequest struct {
	Name        string        `json:"name"`
	ProductID   string        `json:"productId"`
	GpuNum      int           `json:"gpuNum"`
	RootfsSize  int           `json:"rootfsSize"`
	ImageURL    string        `json:"imageUrl"`
	ImageAuth   string        `json:"imageAuth,omitempty"`
	Ports       string        `json:"ports,omitempty"`
	Envs        []TemplateEnv `json:"envs,omitempty"`
	Kind        string        `json:"kind"`
	BillingMode string        `json:"billingMode"`
}

type CreateInstanceResponse struct {
	ID string `json:"id"`
}

type InstancePage struct {
	Instances []Instance `json:"instances"`
	Total     int        `json:"total"`
}

type MigrateResult struct {
	NewInstanceID string `json:"newInstanceId,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Client is the opaque Provider API surface consumed by the workflow
// handlers and startup sync. Errors carry the errs taxonomy so callers can
// classify without inspecting transport details.
type Client interface {
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	GetTemplate(ctx context.Context, id string) (*Template, error)
	GetRegistryAuth(ctx context.Context, id string) (*RegistryAuth, error)
	CreateInstance(ctx context.Context, req *CreateInstanceRequest) (*CreateInstanceResponse, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	DeleteInstance(ctx context.Context, id string) error
	ListInstances(ctx context.Context, page, pageSize int, status string) (*InstancePage, error)
	MigrateInstance(ctx context.Context, id string) (*MigrateResult, error)
}
