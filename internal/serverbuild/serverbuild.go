// Package serverbuild maps the executable version embedded in a recording to the
// dedicated server build that should replay it.
package serverbuild

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jonathan/revalidate/internal/types"
)

// Latest is the build name used when no historical build applies.
const Latest = "Latest"

// exeDateLayout is the date format embedded in executable version strings.
const exeDateLayout = "2006-01-02_15_04"

var exeVersionRegex = regexp.MustCompile(`(\w+)\s+date=(\d{4}-\d{2}-\d{2}_\d{2}_\d{2})\s+(?:(?:[Ss]vn)=(\d+)|git=(\S+))?\s*GameVersion=([\d.]+)`)

// epoch is one historical server build, valid for executables dated before Before.
type epoch struct {
	Before time.Time
	Build  string
	Family types.HostFamily
}

// epochs must stay sorted by Before.
var epochs = []epoch{
	{date(2021, 6, 9), "2021-05-31", types.HostFamilyMirror},
	{date(2021, 9, 30), "2021-07-07", types.HostFamilyMirror},
	{date(2021, 12, 14), "2021-09-29", types.HostFamilyMirror},
	{date(2022, 9, 7), "2022-06-21", types.HostFamilyCloud},
	{date(2022, 9, 9), "2022-09-06b", types.HostFamilyCloud},
	{date(2022, 9, 29), "2022-09-08b", types.HostFamilyCloud},
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ExeVersion is a parsed executable version string.
type ExeVersion struct {
	Product     string
	Date        time.Time
	Revision    string
	GameVersion string
}

// ParseExeVersion parses "<product> date=<yyyy-MM-dd_HH_mm> (git|svn=<id>)? GameVersion=<ver>".
func ParseExeVersion(s string) (*ExeVersion, error) {
	m := exeVersionRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("executable version %q does not match the expected pattern", s)
	}
	d, err := time.ParseInLocation(exeDateLayout, m[2], time.UTC)
	if err != nil {
		return nil, fmt.Errorf("could not parse date from executable version %q: %w", s, err)
	}
	rev := m[3]
	if rev == "" {
		rev = m[4]
	}
	return &ExeVersion{Product: m[1], Date: d, Revision: rev, GameVersion: m[5]}, nil
}

// Resolution is the selected server build.
type Resolution struct {
	Build   string
	Family  types.HostFamily
	Warning string // non-empty when the build fell back to Latest because of bad input
}

// Resolve selects the server build and host family for a recording.
func Resolve(gameVersion types.GameVersion, exeVersion string) Resolution {
	latest := Resolution{Build: Latest, Family: types.HostFamilyCloud}

	if gameVersion == types.GameVersionTM2 {
		return latest
	}
	if strings.TrimSpace(exeVersion) == "" {
		latest.Warning = "ExeVersion is missing. Using: " + Latest
		return latest
	}

	v, err := ParseExeVersion(exeVersion)
	if err != nil {
		latest.Warning = fmt.Sprintf("Could not parse date from ExeVersion '%s'. Using: %s", exeVersion, Latest)
		return latest
	}

	return ForDate(v.Date)
}

// ForDate buckets an executable date into a documented server-build epoch.
func ForDate(d time.Time) Resolution {
	for _, e := range epochs {
		if d.Before(e.Before) {
			return Resolution{Build: e.Build, Family: e.Family}
		}
	}
	return Resolution{Build: Latest, Family: types.HostFamilyCloud}
}
