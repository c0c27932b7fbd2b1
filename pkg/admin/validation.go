package admin

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var tokenRegex = regexp.MustCompile(`^[a-fA-F0-9-]{8,64}$`)

// maxCustomData bounds the custom string handed to the hook script.
const maxCustomData = 256

// ValidateClientKey accepts a client id, MAC address, IP address or token.
func ValidateClientKey(key string) error {
	if key == "" {
		return fmt.Errorf("client key cannot be empty")
	}
	if _, err := strconv.ParseUint(key, 10, 64); err == nil {
		return nil
	}
	if net.ParseIP(key) != nil {
		return nil
	}
	if _, err := net.ParseMAC(key); err == nil {
		return nil
	}
	if tokenRegex.MatchString(key) {
		return nil
	}
	return fmt.Errorf("invalid client key %q (must be id, mac, ip or token)", key)
}

// ValidateIP validates an IP address (v4 or v6).
func ValidateIP(ipStr string) error {
	if ipStr == "" {
		return fmt.Errorf("IP address cannot be empty")
	}
	if net.ParseIP(ipStr) == nil {
		return fmt.Errorf("invalid IP address format")
	}
	return nil
}

// ValidateMAC validates a MAC address. Empty is allowed and means "look it up".
func ValidateMAC(mac string) error {
	if mac == "" {
		return nil
	}
	if _, err := net.ParseMAC(mac); err != nil {
		return fmt.Errorf("invalid MAC address format")
	}
	return nil
}

// SanitizeString removes control characters and surrounding whitespace.
func SanitizeString(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// ValidateCustomData checks the free-form string attached at authentication.
func ValidateCustomData(custom string) error {
	if len(custom) > maxCustomData {
		return fmt.Errorf("custom data exceeds maximum length of %d bytes", maxCustomData)
	}
	return nil
}
