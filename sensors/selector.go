package sensors

import (
	"net/url"
	"sort"
	"strings"

	"github.com/hupe1980/servicebus/core"
)

// Tiers maps a sensitivity to the sensor that must carry it.
type Tiers map[core.Sensitivity]string

// DefaultTiers sends NONE and LOW over clearnet, MEDIUM over Tor, HIGH over
// I2P, VERY_HIGH over I2P-Bote and EXTREME over the mesh.
func DefaultTiers() Tiers {
	return Tiers{
		core.SensitivityNone:     Clearnet,
		core.SensitivityLow:      Clearnet,
		core.SensitivityMedium:   Tor,
		core.SensitivityHigh:     I2P,
		core.SensitivityVeryHigh: Bote,
		core.SensitivityExtreme:  Mesh,
	}
}

// Select picks the active sensor for env, or nil.
//
// An explicit sensitivity is binding: only the tier's sensor qualifies and it
// must be active. Otherwise the route operation suffix and the url header
// are matched against each active sensor in priority order.
func Select(env *core.Envelope, active map[string]Sensor, tiers Tiers) Sensor {
	if s, ok := env.Sensitivity(); ok {
		id, mapped := tiers[s]
		if !mapped {
			return nil
		}
		return active[id]
	}

	op := ""
	if env.Route != nil {
		op = env.Route.Operation
	}
	rawURL := env.URL()
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}

	for _, sensor := range byPriority(active) {
		if hasSuffix(op, sensor.OperationEndsWith()) {
			return sensor
		}
		if rawURL == "" {
			continue
		}
		if hasPrefix(rawURL, sensor.URLBeginsWith()) || hasSuffix(host, sensor.URLEndsWith()) {
			return sensor
		}
	}
	return nil
}

func byPriority(active map[string]Sensor) []Sensor {
	out := make([]Sensor, 0, len(active))
	for _, s := range active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sensitivity() != out[j].Sensitivity() {
			return out[i].Sensitivity() > out[j].Sensitivity()
		}
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func hasSuffix(s string, suffixes []string) bool {
	if s == "" {
		return false
	}
	for _, suf := range suffixes {
		if suf != "" && strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func hasPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
