// Package domain defines the core value objects shared between the
// notify engine and the HTTP API — plain data, not HTTP or wire specifics.
package domain

import (
	"errors"
	"time"
)

// ErrAlreadyExists indicates a create operation conflicted with an
// existing resource. No API handler returns it at present.
var ErrAlreadyExists = errors.New("resource already exists")

// BackendInfo describes one registered backend for introspection
// endpoints (GET /v1/backends/{pid}). It mirrors notify.Backend's
// externally visible state without exposing the engine's internal
// locking or cursor fields.
type BackendInfo struct {
	PID              int32     `json:"pid"`
	DBOID            uint32    `json:"dboid"`
	IsParallelWorker bool      `json:"is_parallel_worker"`
	Channels         []string  `json:"channels"`
	RegisteredAt     time.Time `json:"registered_at"`
}

// NotificationEnvelope is the JSON shape a notification takes once it
// crosses the SSE wire to a client (field names differ from
// notify.Notification's Go-idiomatic ones to match the public API
// contract).
type NotificationEnvelope struct {
	Channel   string    `json:"channel"`
	Payload   string    `json:"payload"`
	PID       int32     `json:"pid"`
	Delivered time.Time `json:"delivered_at"`
}

// NotifyRequest is the JSON body of POST /v1/notify.
type NotifyRequest struct {
	DBOID   uint32 `json:"dboid"`
	PID     int32  `json:"pid"`
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// BatchNotifyRequest is the JSON body of POST /v1/notify/batch.
type BatchNotifyRequest struct {
	DBOID         uint32       `json:"dboid"`
	PID           int32        `json:"pid"`
	Notifications []NotifyItem `json:"notifications"`
}

// NotifyItem is one entry of a BatchNotifyRequest.
type NotifyItem struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// ListenRequest is the JSON body of POST /v1/backends/{pid}/listen and
// .../unlisten.
type ListenRequest struct {
	DBOID   uint32 `json:"dboid"`
	Channel string `json:"channel"`
}

// RegisterBackendRequest is the JSON body of POST /v1/backends.
type RegisterBackendRequest struct {
	DBOID            uint32 `json:"dboid"`
	IsParallelWorker bool   `json:"is_parallel_worker,omitempty"`
}

// StatsResponse is the JSON body of GET /v1/stats.
type StatsResponse struct {
	QueueUsage   float64 `json:"queue_usage"`
	MaxPages     uint64  `json:"max_queue_pages"`
	BackendCount int     `json:"backend_count"`
}
