package vuln

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrUnmatchableVersion is returned for versions that cannot be compared,
// such as empty strings or date-stamped builds.
var ErrUnmatchableVersion = errors.New("unmatchable version")

var (
	leadingJunk = regexp.MustCompile(`^[^0-9]*`)
	numericHead = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*`)
	dateLike    = regexp.MustCompile(`^(19|20)[0-9]{2}([-./]?[01][0-9]([-./]?[0-3][0-9])?)?$`)
)

// NormalizeVersion reduces a detected version string to a MAJOR.MINOR.PATCH
// triple. Product prefixes ("nginx/", "v", "release-") and build or
// distribution suffixes ("-ubuntu1", "+deb11u2", "rc1") are dropped; "2"
// becomes "2.0.0" and "2.4" becomes "2.4.0". Date-like versions
// ("20230115", "2023.01.15") are unmatchable.
func NormalizeVersion(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	s = leadingJunk.ReplaceAllString(s, "")
	head := numericHead.FindString(s)
	if head == "" {
		return "", fmt.Errorf("%w: %q", ErrUnmatchableVersion, raw)
	}
	if dateLike.MatchString(head) {
		return "", fmt.Errorf("%w: %q looks like a date", ErrUnmatchableVersion, raw)
	}

	parts := strings.Split(head, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrUnmatchableVersion, raw)
		}
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, "."), nil
}

func parseVersion(raw string) (*semver.Version, error) {
	n, err := NormalizeVersion(raw)
	if err != nil {
		return nil, err
	}
	return semver.StrictNewVersion(n)
}

// CompareVersions returns -1, 0 or 1 comparing the normalized forms of a and b.
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// IsPatched reports whether version is at or beyond fixed.
func IsPatched(version, fixed string) (bool, error) {
	c, err := CompareVersions(version, fixed)
	if err != nil {
		return false, err
	}
	return c >= 0, nil
}

// applicability is the outcome of checking one raw vulnerability against a
// component version.
type applicability struct {
	affected bool
	// inRange is set when a published range or version list explicitly
	// contains the component version.
	inRange  bool
	fixed    string
	rangeStr string
}

// evaluate decides whether v (already parsed) is affected by r. Ranges whose
// bounds cannot be parsed are ignored; when nothing usable remains the
// vulnerability is assumed to apply without the range bonus.
func evaluate(v *semver.Version, r RawVulnerability) applicability {
	for _, listed := range r.Versions {
		if lv, err := parseVersion(listed); err == nil && lv.Equal(v) {
			return applicability{affected: true, inRange: true, fixed: highestFixed(r.Ranges), rangeStr: "=" + listed}
		}
	}

	usable := 0
	for _, rg := range r.Ranges {
		lo, hi, last, ok := rg.bounds()
		if !ok {
			continue
		}
		usable++
		if lo != nil && v.LessThan(lo) {
			continue
		}
		if hi != nil && !v.LessThan(hi) {
			continue
		}
		if last != nil && v.GreaterThan(last) {
			continue
		}
		return applicability{affected: true, inRange: true, fixed: rg.Fixed, rangeStr: rg.String()}
	}
	if usable > 0 || len(r.Versions) > 0 {
		return applicability{}
	}
	return applicability{affected: true, fixed: highestFixed(r.Ranges)}
}

func (rg Range) bounds() (lo, hi, last *semver.Version, ok bool) {
	if rg.Fixed == "" && rg.LastAffected == "" && (rg.Introduced == "" || rg.Introduced == "0") {
		// An open range means every version is affected.
		return nil, nil, nil, true
	}
	var err error
	if rg.Introduced != "" && rg.Introduced != "0" {
		if lo, err = parseVersion(rg.Introduced); err != nil {
			return nil, nil, nil, false
		}
	}
	if rg.Fixed != "" {
		if hi, err = parseVersion(rg.Fixed); err != nil {
			return nil, nil, nil, false
		}
	}
	if rg.LastAffected != "" {
		if last, err = parseVersion(rg.LastAffected); err != nil {
			return nil, nil, nil, false
		}
	}
	return lo, hi, last, true
}

func highestFixed(ranges []Range) string {
	var (
		best    string
		bestVer *semver.Version
	)
	for _, rg := range ranges {
		if rg.Fixed == "" {
			continue
		}
		fv, err := parseVersion(rg.Fixed)
		if err != nil {
			continue
		}
		if bestVer == nil || fv.GreaterThan(bestVer) {
			best, bestVer = rg.Fixed, fv
		}
	}
	return best
}
