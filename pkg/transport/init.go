package transport

import (
	"github.com/google/uuid"
)

func init() {
	// Enable random pool for uuid, used to generate ping payloads and trace ids.
	uuid.EnableRandPool()
}
