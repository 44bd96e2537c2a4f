package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// GenerateSessionID generates a unique session ID
func GenerateSessionID() string {
	return GenerateID("session")
}

// GeneratePeerID generates a unique peer ID
func GeneratePeerID() string {
	return GenerateID("peer")
}

// GenerateStreamID generates a unique local stream ID
func GenerateStreamID() string {
	return GenerateID("stream")
}

// GenerateTrackID generates a unique capture track ID for the given kind
func GenerateTrackID(kind string) string {
	return GenerateID(kind)
}

// GenerateRequestID generates a request ID for HTTP correlation
func GenerateRequestID() string {
	return uuid.NewString()
}
