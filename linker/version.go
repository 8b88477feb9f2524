package linker

import (
	"strconv"
	"strings"
)

// Version is the semantic version suffix of an import module name such as
// "wasi:io/streams@0.2.0".
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// ParseVersion parses "major", "major.minor" or "major.minor.patch".
func ParseVersion(s string) (Version, bool) {
	if s == "" {
		return Version{}, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, false
	}
	var nums [3]uint32
	for i, p := range parts {
		if p == "" || p[0] == '+' || p[0] == '-' {
			return Version{}, false
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, false
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, true
}

// Compatible reports whether v can satisfy an import of want: same major,
// and not older than want.
func (v Version) Compatible(want Version) bool {
	if v.Major != want.Major {
		return false
	}
	if v.Minor != want.Minor {
		return v.Minor > want.Minor
	}
	return v.Patch >= want.Patch
}

// Less orders versions.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

func (v Version) String() string {
	return strconv.FormatUint(uint64(v.Major), 10) + "." +
		strconv.FormatUint(uint64(v.Minor), 10) + "." +
		strconv.FormatUint(uint64(v.Patch), 10)
}

// splitVersion splits "name@version" into the name and parsed version. A
// suffix that is not a version stays part of the name.
func splitVersion(module string) (string, *Version) {
	idx := strings.LastIndex(module, "@")
	if idx < 0 {
		return module, nil
	}
	if v, ok := ParseVersion(module[idx+1:]); ok {
		return module[:idx], &v
	}
	return module, nil
}
