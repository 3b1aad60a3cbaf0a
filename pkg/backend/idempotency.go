package backend

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewIdempotencyKey returns a fresh key for one submit attempt: a random UUID,
// or a timestamp plus random suffix when the UUID source fails.
func NewIdempotencyKey() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(suffix))
}
