// Package version holds the manager's semantic version and the
// MAJOR.MINOR compatibility gate applied to runners.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the manager's semantic version. Overridable at build time:
//
//	go build -ldflags "-X github.com/mediarun/manager/internal/version.Version=1.2.3"
var Version = "1.2.0"

// MajorMinor extracts the major and minor components from a semver-ish
// string. Accepts values like "1.2.0", "v1.2", "1.2.0-rc1".
func MajorMinor(v string) (major, minor int, err error) {
	s := strings.TrimSpace(strings.TrimPrefix(v, "v"))
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("invalid version %q", v)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid version %q", v)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid version %q", v)
	}
	return major, minor, nil
}

// Compatible reports whether a runner version may interoperate with this
// manager: MAJOR and MINOR must match, PATCH is free.
func Compatible(runnerVersion string) bool {
	rMaj, rMin, err := MajorMinor(runnerVersion)
	if err != nil {
		return false
	}
	mMaj, mMin, err := MajorMinor(Version)
	if err != nil {
		return false
	}
	return rMaj == mMaj && rMin == mMin
}
