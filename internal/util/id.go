package util

import "github.com/google/uuid"

// NewCorrelationID returns a canonical UUID string used to match optimistic
// client state with its server echo.
func NewCorrelationID() string {
	return uuid.NewString()
}
