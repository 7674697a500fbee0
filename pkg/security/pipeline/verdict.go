package pipeline

import (
	"fmt"
	"time"
)

// Block reasons carried on denial verdicts and audit events.
const (
	ReasonReputationBlocked = "ip_blocked_by_reputation"
	ReasonExplicitBlock     = "ip_blocked"
	ReasonRateLimited       = "rate_limited"
	ReasonThrottled         = "throttled"
	ReasonHostNotAllowed    = "host_not_allowed"
	ReasonMethodNotAllowed  = "method_not_allowed"
	ReasonBodyTooLarge      = "body_too_large"
	ReasonSuspiciousPath    = "suspicious_path"
	ReasonThreatDetected    = "threat_detected"
)

// Verdict is the pipeline's decision for one request. Denials carry an HTTP
// status, a stable machine reason, and a client-safe message that never
// echoes request content.
type Verdict struct {
	Allow      bool          `json:"allow"`
	Status     int           `json:"status,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	RequestID  string        `json:"requestId"`
}

func allow(requestID string) Verdict {
	return Verdict{Allow: true, RequestID: requestID}
}

func deny(requestID string, status int, reason, message string) Verdict {
	return Verdict{Status: status, Reason: reason, Message: message, RequestID: requestID}
}

// ConfigError reports an invalid pipeline configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline config: %s: %s", e.Field, e.Reason)
}
