package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"unicode/utf8"
)

const (
	MaxIDLength      = 100
	MaxMessageLength = 64 << 10
)

// IDRegex matches room and peer identifiers.
var IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, MaxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format (only letters, numbers, _, - allowed)", kind)
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	return validateID("peer ID", peerID)
}

// ValidateRoom validates a signaling room name
func ValidateRoom(room string) error {
	return validateID("room", room)
}

// ValidateSignalURL accepts only websocket URLs with a host.
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateMessage checks a data channel text message.
func ValidateMessage(msg string) error {
	if msg == "" {
		return fmt.Errorf("message is required")
	}
	if len(msg) > MaxMessageLength {
		return fmt.Errorf("message is too long (max %d bytes)", MaxMessageLength)
	}
	if !utf8.ValidString(msg) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	return nil
}

// ValidateBitrateRange checks congestion controller bounds in kbps.
func ValidateBitrateRange(min, initial, max int) error {
	if min <= 0 {
		return fmt.Errorf("min bitrate must be > 0")
	}
	if max < min {
		return fmt.Errorf("max bitrate %d is below min bitrate %d", max, min)
	}
	if initial < min || initial > max {
		return fmt.Errorf("initial bitrate %d must be within [%d, %d]", initial, min, max)
	}
	return nil
}

// ValidateMaxPeers validates max peers value
func ValidateMaxPeers(maxPeers int) error {
	if maxPeers < 1 {
		return fmt.Errorf("max peers must be at least 1")
	}
	if maxPeers > 64 {
		return fmt.Errorf("max peers is too high for a full mesh (max 64)")
	}
	return nil
}
