// Package version compares extension package versions.
//
// Extension manifests carry one to four dot-separated integer segments
// ("2.7", "1.2.3", "1.2.3.4") and store consoles report them without the "v"
// prefix that golang.org/x/mod/semver expects. The first three segments are
// normalized and compared as a semver core; the optional fourth segment
// breaks ties numerically.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// parse splits a raw version into its semver core ("vMAJOR.MINOR.PATCH",
// missing segments padded with zeros) and the numeric fourth segment, zero
// when absent.
func parse(raw string) (core string, build int, err error) {
	v := strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if v == "" {
		return "", 0, fmt.Errorf("empty version")
	}

	parts := strings.Split(v, ".")
	if len(parts) > 4 {
		return "", 0, fmt.Errorf("invalid version %q", raw)
	}
	if len(parts) == 4 {
		build, err = strconv.Atoi(parts[3])
		if err != nil || build < 0 {
			return "", 0, fmt.Errorf("invalid version %q", raw)
		}
		parts = parts[:3]
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}

	core = "v" + strings.Join(parts, ".")
	if !semver.IsValid(core) {
		return "", 0, fmt.Errorf("invalid version %q", raw)
	}
	return core, build, nil
}

// Canonical normalizes a raw version's first three segments into the
// "vMAJOR.MINOR.PATCH" form understood by semver. Missing segments are
// padded with zeros; a fourth segment is validated but not part of the core.
func Canonical(raw string) (string, error) {
	core, _, err := parse(raw)
	return core, err
}

// IsNewer reports whether candidate is strictly greater than live.
func IsNewer(candidate, live string) (bool, error) {
	c, cBuild, err := parse(candidate)
	if err != nil {
		return false, fmt.Errorf("candidate version: %w", err)
	}
	l, lBuild, err := parse(live)
	if err != nil {
		return false, fmt.Errorf("live version: %w", err)
	}
	if d := semver.Compare(c, l); d != 0 {
		return d > 0, nil
	}
	return cBuild > lBuild, nil
}
