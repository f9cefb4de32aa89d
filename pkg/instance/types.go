/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package instance

import "time"

type Status string

const (
	StatusCreating  Status = "creating"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusExited    Status = "exited"
	StatusMigrating Status = "migrating"
	StatusFailed    Status = "failed"
)

type PortBinding struct {
	Port int    `json:"port"`
	Type string `json:"type"`
}

type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Configuration struct {
	GpuNum     int           `json:"gpuNum"`
	RootfsSize int           `json:"rootfsSize"`
	Region     string        `json:"region"`
	ImageURL   string        `json:"imageUrl"`
	ImageAuth  string        `json:"imageAuth,omitempty"`
	Ports      []PortBinding `json:"ports,omitempty"`
	Envs       []EnvVar      `json:"envs,omitempty"`
}

type Timestamps struct {
	Created  time.Time  `json:"created"`
	Started  *time.Time `json:"started,omitempty"`
	Ready    *time.Time `json:"ready,omitempty"`
	Failed   *time.Time `json:"failed,omitempty"`
	LastUsed *time.Time `json:"lastUsed,omitempty"`
}

// State is our cached copy of an instance. The Provider holds the
// authoritative record; this copy is only ever mutated by the handler
// currently processing the instance's id.
type State struct {
	ID               string        `json:"id"`
	NovitaInstanceID string        `json:"novitaInstanceId,omitempty"`
	Name             string        `json:"name"`
	Status           Status        `json:"status"`
	Configuration    Configuration `json:"configuration"`
	Timestamps       Timestamps    `json:"timestamps"`
	SpotStatus       string        `json:"spotStatus,omitempty"`
	SpotReclaimTime  string        `json:"spotReclaimTime,omitempty"`
	GpuIds           []int         `json:"gpuIds,omitempty"`
	WebhookURL       string        `json:"webhookUrl,omitempty"`
	LastError        string        `json:"lastError,omitempty"`
}
