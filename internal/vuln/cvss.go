package vuln

import (
	"fmt"
	"math"
	"strings"
)

var (
	cvssAV  = map[string]float64{"N": 0.85, "A": 0.62, "L": 0.55, "P": 0.2}
	cvssAC  = map[string]float64{"L": 0.77, "H": 0.44}
	cvssUI  = map[string]float64{"N": 0.85, "R": 0.62}
	cvssCIA = map[string]float64{"H": 0.56, "L": 0.22, "N": 0}
)

// CVSS3BaseScore computes the base score of a CVSS v3.0/v3.1 vector such
// as "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H".
func CVSS3BaseScore(vector string) (float64, error) {
	if !strings.HasPrefix(vector, "CVSS:3.") {
		return 0, fmt.Errorf("not a CVSS v3 vector: %q", vector)
	}
	metrics := map[string]string{}
	for _, part := range strings.Split(vector, "/")[1:] {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			return 0, fmt.Errorf("malformed CVSS metric %q", part)
		}
		metrics[k] = v
	}

	scope := metrics["S"]
	if scope != "U" && scope != "C" {
		return 0, fmt.Errorf("CVSS vector missing scope: %q", vector)
	}
	var pr float64
	switch metrics["PR"] {
	case "N":
		pr = 0.85
	case "L":
		pr = 0.62
		if scope == "C" {
			pr = 0.68
		}
	case "H":
		pr = 0.27
		if scope == "C" {
			pr = 0.5
		}
	default:
		return 0, fmt.Errorf("CVSS vector missing PR: %q", vector)
	}

	av, ok1 := cvssAV[metrics["AV"]]
	ac, ok2 := cvssAC[metrics["AC"]]
	ui, ok3 := cvssUI[metrics["UI"]]
	c, ok4 := cvssCIA[metrics["C"]]
	i, ok5 := cvssCIA[metrics["I"]]
	a, ok6 := cvssCIA[metrics["A"]]
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return 0, fmt.Errorf("incomplete CVSS vector: %q", vector)
	}

	iss := 1 - (1-c)*(1-i)*(1-a)
	var impact float64
	if scope == "U" {
		impact = 6.42 * iss
	} else {
		impact = 7.52*(iss-0.029) - 3.25*math.Pow(iss-0.02, 15)
	}
	if impact <= 0 {
		return 0, nil
	}
	exploitability := 8.22 * av * ac * pr * ui
	if scope == "U" {
		return roundUp(math.Min(impact+exploitability, 10)), nil
	}
	return roundUp(math.Min(1.08*(impact+exploitability), 10)), nil
}

// roundUp is the CVSS v3.1 Roundup function: the smallest one-decimal
// number >= x, computed on integers to avoid float artifacts.
func roundUp(x float64) float64 {
	n := int64(math.Round(x * 100000))
	if n%10000 == 0 {
		return float64(n) / 100000
	}
	return float64(n/10000+1) / 10
}
