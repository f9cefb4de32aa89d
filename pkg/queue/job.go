/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeCreateInstance         Type = "CreateInstance"
	TypeMonitorInstance        Type = "MonitorInstance"
	TypeSendWebhook            Type = "SendWebhook"
	TypeMigrateSpotInstances   Type = "MigrateSpotInstances"
	TypeHandleFailedMigrations Type = "HandleFailedMigrations"
	TypeAutoStopCheck          Type = "AutoStopCheck"
)

// Ephemeral job types leave no persisted history: the record is deleted on
// any terminal state and never retried. Periodic check jobs qualify because
// they are reproduced on schedule anyway.
func (t Type) Ephemeral() bool {
	return t == TypeAutoStopCheck
}

func (t Type) Valid() bool {
	switch t {
	case TypeCreateInstance, TypeMonitorInstance, TypeSendWebhook,
		TypeMigrateSpotInstances, TypeHandleFailedMigrations, TypeAutoStopCheck:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

type CreateInstancePayload struct {
	InstanceID  string `json:"instanceId"`
	Name        string `json:"name"`
	ProductName string `json:"productName"`
	TemplateID  string `json:"templateId"`
	GpuNum      int    `json:"gpuNum"`
	RootfsSize  int    `json:"rootfsSize"`
	Region      string `json:"region"`
	WebhookURL  string `json:"webhookUrl,omitempty"`
}

type MonitorInstancePayload struct {
	InstanceID       string    `json:"instanceId"`
	NovitaInstanceID string    `json:"novitaInstanceId"`
	StartTime        time.Time `json:"startTime"`
	MaxWaitTimeMs    int64     `json:"maxWaitTimeMs"`
	WebhookURL       string    `json:"webhookUrl,omitempty"`
}

type SendWebhookPayload struct {
	URL     string            `json:"url"`
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

type MigrateSpotInstancesPayload struct {
	ScheduledAt time.Time `json:"scheduledAt"`
}

type HandleFailedMigrationsPayload struct {
	ScheduledAt time.Time `json:"scheduledAt"`
}

type AutoStopCheckPayload struct {
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Payload is a tagged union over the job types; exactly the variant matching
// Job.Type is set.
type Payload struct {
	CreateInstance         *CreateInstancePayload         `json:"createInstance,omitempty"`
	MonitorInstance        *MonitorInstancePayload        `json:"monitorInstance,omitempty"`
	SendWebhook            *SendWebhookPayload            `json:"sendWebhook,omitempty"`
	MigrateSpotInstances   *MigrateSpotInstancesPayload   `json:"migrateSpotInstances,omitempty"`
	HandleFailedMigrations *HandleFailedMigrationsPayload `json:"handleFailedMigrations,omitempty"`
	AutoStopCheck          *AutoStopCheckPayload          `json:"autoStopCheck,omitempty"`
}

// matches reports whether the populated variant agrees with t.
func (p Payload) matches(t Type) bool {
	switch t {
	case TypeCreateInstance:
		return p.CreateInstance != nil
	case TypeMonitorInstance:
		return p.MonitorInstance != nil
	case TypeSendWebhook:
		return p.SendWebhook != nil
	case TypeMigrateSpotInstances:
		return p.MigrateSpotInstances != nil
	case TypeHandleFailedMigrations:
		return p.HandleFailedMigrations != nil
	case TypeAutoStopCheck:
		return p.AutoStopCheck != nil
	}
	return false
}

// Step is one entry of the per-job workflow trail retained with the record.
type Step struct {
	Name  string    `json:"name"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

type Job struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Payload     Payload    `json:"payload"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	Steps       []Step     `json:"steps,omitempty"`
}

// AddStep appends to the workflow trail; handlers call it through the queue
// reference they hold.
func (j *Job) AddStep(name string, err error) {
	step := Step{Name: name, At: time.Now()}
	if err != nil {
		step.Error = err.Error()
	}
	j.Steps = append(j.Steps, step)
}

func newJobID(now time.Time) string {
	return fmt.Sprintf("job_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

// priorityBand must strictly dominate the age term: epoch millis stay below
// 1e13 until roughly year 2286, so within one band older jobs (smaller
// createdAt) always score higher and pop first.
const priorityBand = 1e13

func score(priority Priority, createdAt time.Time) float64 {
	return float64(priority)*priorityBand + (priorityBand - float64(createdAt.UnixMilli()))
}
