package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func newJobID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return "job-" + hex.EncodeToString(bytes), nil
}
