// Package models - API response types and error handling.
// This file defines the JSON bodies the guard writes on rejection and on its
// own health and status endpoints.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Machine-readable error codes next to human-readable messages
// - RFC3339 timestamps
package models

import (
	"time"
)

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BlockResponse is written when the guard rejects an origin. BlockedUntil is
// set for explicit bans and flood blocks.
type BlockResponse struct {
	Error        string     `json:"error"`
	Code         string     `json:"code"`
	Reason       string     `json:"reason,omitempty"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
}

// HealthResponse is served on /health.
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Protection    string    `json:"protection"`
	BlockedIPs    int       `json:"blockedIPs"`
	SuspiciousIPs int       `json:"suspiciousIPs"`
	Version       string    `json:"version,omitempty"`
}

// RootResponse is served by the built-in landing handler.
type RootResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	YourIP    string    `json:"yourIP"`
}

// BlockedOriginInfo describes one block entry on /admin/status.
type BlockedOriginInfo struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blockedAt"`
	Until     time.Time `json:"until"`
	Reason    string    `json:"reason"`
}

// DecisionTotals summarises recorded decisions.
type DecisionTotals struct {
	Allowed int64            `json:"allowed"`
	Denied  int64            `json:"denied"`
	Reasons map[string]int64 `json:"reasons,omitempty"`
}

// StatusResponse is served on /admin/status.
type StatusResponse struct {
	ActiveConnections int                 `json:"activeConnections"`
	TotalTrackedIPs   int                 `json:"totalTrackedIPs"`
	BlockedIPs        []BlockedOriginInfo `json:"blockedIPs"`
	SuspiciousIPs     []string            `json:"suspiciousIPs"`
	Decisions         *DecisionTotals     `json:"decisions,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "OK"
	StatusUnhealthy = "UNHEALTHY"
)

// Standard Error Codes
//
// Error Code Strategy:
// - Upper-case with underscores for consistency
// - Maps to standard HTTP status codes
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 405: Method not allowed
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeBadGateway         = "BAD_GATEWAY"         // 502: Upstream unreachable
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Concurrency cap reached
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED" // 429: Generic limiter
	ErrorCodeRequestFlood       = "REQUEST_FLOOD"       // 429: Flood threshold tripped
	ErrorCodeOriginBlocked      = "ORIGIN_BLOCKED"      // 403: Origin is banned
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     message,
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewBlockResponse builds a rejection body. A zero until omits blockedUntil.
func NewBlockResponse(message, code, reason string, until time.Time) *BlockResponse {
	resp := &BlockResponse{
		Error:  message,
		Code:   code,
		Reason: reason,
	}
	if !until.IsZero() {
		u := until.UTC()
		resp.BlockedUntil = &u
	}
	return resp
}

func NewHealthResponse(blocked, suspicious int) *HealthResponse {
	return &HealthResponse{
		Status:        StatusHealthy,
		Timestamp:     time.Now().UTC(),
		Protection:    "active",
		BlockedIPs:    blocked,
		SuspiciousIPs: suspicious,
	}
}
