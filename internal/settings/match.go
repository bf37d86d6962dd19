package settings

import (
	pathpkg "path"
	"strings"
)

// Matches reports whether host+path satisfies this advertiser's rule for
// country. It performs only constant-time operations — no parsing — since
// rules are compiled at snapshot install time (spec.md section 9,
// "Path-match rules").
func (a AdvertiserRule) Matches(country, host, path string) bool {
	cr, ok := a.Countries[country]
	if !ok {
		return false
	}
	for _, rule := range cr.Rules {
		if !strings.EqualFold(rule.Host, host) {
			continue
		}
		switch rule.Kind {
		case PathExact:
			if path == rule.Spec {
				return true
			}
		case PathPrefix:
			// Normalize dot segments and duplicate slashes first, keeping a
			// trailing slash, so "/promo/../admin" cannot pass as "/promo/".
			clean := pathpkg.Clean("/" + path)
			if strings.HasSuffix(path, "/") && clean != "/" {
				clean += "/"
			}
			if strings.HasPrefix(clean, rule.Spec) {
				return true
			}
		}
	}
	return false
}

// IncludesRegion reports whether country is permitted for this advertiser
// under IncludeRegions. An empty IncludeRegions set means "no restriction".
func (a AdvertiserRule) IncludesRegion(country string) bool {
	if len(a.IncludeRegions) == 0 {
		return true
	}
	_, ok := a.IncludeRegions[country]
	return ok
}

// CompilePathSpec turns a raw path spec into a PathRule kind: a spec ending
// in "/" is a prefix match, anything else is exact (spec.md section 4.D
// rule 4).
func CompilePathSpec(spec string) (PathMatchKind, string) {
	if strings.HasSuffix(spec, "/") {
		return PathPrefix, spec
	}
	return PathExact, spec
}
