package vulnscore

import (
	"fmt"
	"math"
	"strings"

	"github.com/icarusprotection/provchain/pkg/source"
	"github.com/icarusprotection/provchain/pkg/types"
)

// CVSS v3.1 base metric weights (first.org specification, section 7.4).
var (
	weightAV  = map[string]float64{"N": 0.85, "A": 0.62, "L": 0.55, "P": 0.2}
	weightAC  = map[string]float64{"L": 0.77, "H": 0.44}
	weightUI  = map[string]float64{"N": 0.85, "R": 0.62}
	weightCIA = map[string]float64{"H": 0.56, "L": 0.22, "N": 0}
	// PR depends on scope.
	weightPRUnchanged = map[string]float64{"N": 0.85, "L": 0.62, "H": 0.27}
	weightPRChanged   = map[string]float64{"N": 0.85, "L": 0.68, "H": 0.5}
)

var requiredMetrics = []string{"AV", "AC", "PR", "UI", "S", "C", "I", "A"}

// parseVector splits a CVSS:3.x vector string into its metric map.
func parseVector(vector string) (map[string]string, error) {
	parts := strings.Split(vector, "/")
	if len(parts) == 0 || (parts[0] != "CVSS:3.1" && parts[0] != "CVSS:3.0") {
		return nil, fmt.Errorf("%w: unsupported CVSS vector %q", source.ErrMalformedRecord, vector)
	}
	metrics := make(map[string]string, len(parts)-1)
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, ":")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("%w: CVSS metric %q", source.ErrMalformedRecord, part)
		}
		metrics[key] = value
	}
	for _, m := range requiredMetrics {
		if _, ok := metrics[m]; !ok {
			return nil, fmt.Errorf("%w: CVSS vector missing %s", source.ErrMalformedRecord, m)
		}
	}
	return metrics, nil
}

// BaseScore computes the CVSS v3.1 base score [0,10] from a vector string.
func BaseScore(vector string) (float64, error) {
	m, err := parseVector(vector)
	if err != nil {
		return 0, err
	}

	scopeChanged := m["S"] == "C"
	if m["S"] != "C" && m["S"] != "U" {
		return 0, fmt.Errorf("%w: CVSS scope %q", source.ErrMalformedRecord, m["S"])
	}

	prWeights := weightPRUnchanged
	if scopeChanged {
		prWeights = weightPRChanged
	}
	av, okAV := weightAV[m["AV"]]
	ac, okAC := weightAC[m["AC"]]
	pr, okPR := prWeights[m["PR"]]
	ui, okUI := weightUI[m["UI"]]
	c, okC := weightCIA[m["C"]]
	i, okI := weightCIA[m["I"]]
	a, okA := weightCIA[m["A"]]
	if !okAV || !okAC || !okPR || !okUI || !okC || !okI || !okA {
		return 0, fmt.Errorf("%w: CVSS vector %q has an unknown metric value", source.ErrMalformedRecord, vector)
	}

	iss := 1 - (1-c)*(1-i)*(1-a)
	var impact float64
	if scopeChanged {
		impact = 7.52*(iss-0.029) - 3.25*math.Pow(iss-0.02, 15)
	} else {
		impact = 6.42 * iss
	}
	if impact <= 0 {
		return 0, nil
	}

	exploitability := 8.22 * av * ac * pr * ui
	score := impact + exploitability
	if scopeChanged {
		score = 1.08 * score
	}
	if score > 10 {
		score = 10
	}
	return roundUp(score), nil
}

// roundUp is the CVSS v3.1 "Roundup" function: smallest number with one
// decimal place that is >= the input, computed in fixed point to dodge
// floating-point drift.
func roundUp(x float64) float64 {
	scaled := int(math.Round(x * 100000))
	if scaled%10000 == 0 {
		return float64(scaled) / 100000
	}
	return (math.Floor(float64(scaled)/10000) + 1) / 10
}

// Bucket maps a base score to its severity bucket.
func Bucket(score float64) types.Severity {
	switch {
	case score < 0.1:
		return types.SeverityNone
	case score < 4:
		return types.SeverityLow
	case score < 7:
		return types.SeverityMedium
	case score < 9:
		return types.SeverityHigh
	default:
		return types.SeverityCritical
	}
}
