package core

import (
	"fmt"
	"strings"
)

// Sensitivity is a privacy-tier classification used to select a transport.
type Sensitivity int

const (
	// SensitivityNone requires no privacy protection.
	SensitivityNone Sensitivity = iota
	// SensitivityLow tolerates clearnet transports.
	SensitivityLow
	// SensitivityMedium requires an onion-routed transport.
	SensitivityMedium
	// SensitivityHigh requires a garlic-routed overlay network.
	SensitivityHigh
	// SensitivityVeryHigh requires an anonymous store-and-forward mail overlay.
	SensitivityVeryHigh
	// SensitivityExtreme requires an off-grid mesh transport.
	SensitivityExtreme
)

var sensitivityNames = map[Sensitivity]string{
	SensitivityNone:     "none",
	SensitivityLow:      "low",
	SensitivityMedium:   "medium",
	SensitivityHigh:     "high",
	SensitivityVeryHigh: "very_high",
	SensitivityExtreme:  "extreme",
}

// String returns the string representation of the sensitivity.
func (s Sensitivity) String() string {
	if n, ok := sensitivityNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseSensitivity parses a sensitivity name (case-insensitive, "-" or "_"
// separated).
func ParseSensitivity(raw string) (Sensitivity, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	if norm == "veryhigh" {
		norm = "very_high"
	}
	for s, n := range sensitivityNames {
		if n == norm {
			return s, nil
		}
	}
	return SensitivityNone, fmt.Errorf("unknown sensitivity %q", raw)
}
