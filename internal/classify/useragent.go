package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// User-agent parsing is defensive: unknown families yield "other" rather
// than erroring (spec.md section 4.A). The gateway handler separately
// rejects non-Firefox user agents with the firefox-only error — this
// package only classifies, it never rejects.

var (
	reWindows = regexp.MustCompile(`(?i)windows`)
	reMac     = regexp.MustCompile(`(?i)(macintosh|mac os x)`)
	reLinux   = regexp.MustCompile(`(?i)linux`)
	reAndroid = regexp.MustCompile(`(?i)android`)
	reIOS     = regexp.MustCompile(`(?i)(iphone|ipad|ipod)`)
	reCrOS    = regexp.MustCompile(`(?i)cros`)

	reMobile = regexp.MustCompile(`(?i)mobile`)
	reTablet = regexp.MustCompile(`(?i)(ipad|tablet)`)

	reFirefoxVersion = regexp.MustCompile(`Firefox/(\d+)`)
)

func osFamilyFromUA(ua string) OSFamily {
	switch {
	case reIOS.MatchString(ua):
		return OSiOS
	case reAndroid.MatchString(ua):
		return OSAndroid
	case reCrOS.MatchString(ua):
		return OSChromeOS
	case reWindows.MatchString(ua):
		return OSWindows
	case reMac.MatchString(ua):
		return OSMacOS
	case reLinux.MatchString(ua):
		return OSLinux
	default:
		return OSOther
	}
}

func formFactorFromUA(ua string) FormFactor {
	switch {
	case strings.Contains(ua, "iPad") || reTablet.MatchString(ua):
		return FormFactorTablet
	case reIOS.MatchString(ua), reAndroid.MatchString(ua) && reMobile.MatchString(ua):
		return FormFactorPhone
	case reWindows.MatchString(ua), reMac.MatchString(ua), reLinux.MatchString(ua), reCrOS.MatchString(ua):
		return FormFactorDesktop
	default:
		return FormFactorOther
	}
}

// IsSanctionedBrowser reports whether the user agent identifies Firefox.
// The handler rejects requests that fail this check with the firefox-only
// error (spec.md section 4.A, section 7).
func IsSanctionedBrowser(ua string) bool {
	return strings.Contains(ua, "Firefox/")
}

// isLegacyImageVersion reports whether the requesting Firefox version
// requires the legacy-image filter path (spec.md: "Legacy image flag —
// derived from the browser version"). The cutoff mirrors the upstream
// partner's advertised minimum version for the current image pipeline.
const legacyImageVersionCutoff = 91

func isLegacyImageVersion(ua string) bool {
	m := reFirefoxVersion.FindStringSubmatch(ua)
	if m == nil {
		return false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	return v < legacyImageVersionCutoff
}
