package gwcore

import "github.com/google/uuid"

// NewRequestID mints a UUIDv4 request id (§3 PerRequestContext.RequestID).
func NewRequestID() string {
	return uuid.NewString()
}
