// Package classify derives the classification key (country, subdivision,
// metro, form factor, OS family, legacy-image flag) that the tile cache uses
// to key its cache slots. See spec.md section 4.A.
package classify

import (
	"net"
	"net/http"
	"strings"
)

// FormFactor is the device shape a request is classified into.
type FormFactor string

const (
	FormFactorDesktop FormFactor = "desktop"
	FormFactorPhone   FormFactor = "phone"
	FormFactorTablet  FormFactor = "tablet"
	FormFactorOther   FormFactor = "other"
)

// OSFamily is the operating system family a request is classified into.
type OSFamily string

const (
	OSWindows  OSFamily = "windows"
	OSMacOS    OSFamily = "macos"
	OSLinux    OSFamily = "linux"
	OSiOS      OSFamily = "ios"
	OSAndroid  OSFamily = "android"
	OSChromeOS OSFamily = "chromeos"
	OSOther    OSFamily = "other"
)

// Key is the classification tuple used as the tile cache's key. Two keys
// that are equal by value share a cache slot (spec.md section 3).
type Key struct {
	Country          string
	Subdivision      string
	Metro            int
	HasMetro         bool
	FormFactor       FormFactor
	OSFamily         OSFamily
	LegacyImage      bool
}

// String renders a stable, order-independent representation suitable for
// use as a map/singleflight key.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Country)
	b.WriteByte('|')
	b.WriteString(k.Subdivision)
	b.WriteByte('|')
	if k.HasMetro {
		b.WriteString(itoa(k.Metro))
	}
	b.WriteByte('|')
	b.WriteString(string(k.FormFactor))
	b.WriteByte('|')
	b.WriteString(string(k.OSFamily))
	b.WriteByte('|')
	if k.LegacyImage {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Location is what a Locator resolves an IP address to.
type Location struct {
	Country     string
	Subdivision string
	Metro       int
	HasMetro    bool
	Found       bool
}

// Locator resolves a client IP to a location. The production implementation
// (an IP-to-location database lookup) is an external collaborator per
// spec.md section 1 and is not implemented here — only the interface the
// classifier consumes.
type Locator interface {
	Lookup(ip net.IP) Location
}

// MetroEligible reports whether a country's policy enables metro/DMA codes.
// Only a small set of countries (the US, primarily) carry Nielsen DMA-style
// metro codes in upstream ad partner data (spec.md section 3: "present only
// for some countries").
type MetroPolicy interface {
	MetroEligible(country string) bool
}

// staticMetroPolicy is the default MetroPolicy: only the US carries metro
// codes, matching the upstream partner's DMA convention.
type staticMetroPolicy struct{}

func (staticMetroPolicy) MetroEligible(country string) bool {
	return strings.EqualFold(country, "US")
}

// DefaultMetroPolicy is the default MetroPolicy used when none is supplied.
var DefaultMetroPolicy MetroPolicy = staticMetroPolicy{}

// TestHeaderName is honored in non-production modes to override the derived
// tuple for smoke tests (spec.md section 4.A). Format:
// "country,subdivision,metro,formfactor,osfamily" with empty fields skipped.
const TestHeaderName = "X-Test-Classification"

// ForwardedForHeader is the header consulted for the client IP, taking its
// first address (spec.md section 4.A).
const ForwardedForHeader = "X-Forwarded-For"

// Options configures a single Classify call.
type Options struct {
	Locator        Locator
	MetroPolicy    MetroPolicy
	DefaultCountry string
	// AllowTestHeader honors TestHeaderName when set — only safe outside
	// production.
	AllowTestHeader bool
	PeerAddr        string
}

// Classify derives a Key from an inbound request's metadata.
func Classify(r *http.Request, opts Options) Key {
	if opts.AllowTestHeader {
		if raw := r.Header.Get(TestHeaderName); raw != "" {
			if k, ok := parseTestHeader(raw); ok {
				return k
			}
		}
	}

	ip := clientIP(r, opts.PeerAddr)
	loc := resolveLocation(ip, opts)

	policy := opts.MetroPolicy
	if policy == nil {
		policy = DefaultMetroPolicy
	}

	key := Key{
		Country:     loc.Country,
		Subdivision: loc.Subdivision,
	}
	if loc.HasMetro && policy.MetroEligible(loc.Country) {
		key.Metro = loc.Metro
		key.HasMetro = true
	}

	ua := r.Header.Get("User-Agent")
	key.FormFactor = formFactorFromUA(ua)
	key.OSFamily = osFamilyFromUA(ua)
	key.LegacyImage = isLegacyImageVersion(ua)
	return key
}

// resolveLocation consults the Locator, falling back to DefaultCountry
// (spec.md section 7: LocationUnknown substitutes a configured default
// country; no error is surfaced to the client).
func resolveLocation(ip net.IP, opts Options) Location {
	if opts.Locator != nil && ip != nil {
		if loc := opts.Locator.Lookup(ip); loc.Found {
			return loc
		}
	}
	return Location{Country: opts.DefaultCountry}
}

// clientIP extracts the first address of X-Forwarded-For, falling back to
// the peer address.
func clientIP(r *http.Request, peerAddr string) net.IP {
	if xff := r.Header.Get(ForwardedForHeader); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	host := peerAddr
	if host == "" {
		host = r.RemoteAddr
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.ParseIP(host)
}

func parseTestHeader(raw string) (Key, bool) {
	parts := strings.Split(raw, ",")
	for len(parts) < 5 {
		parts = append(parts, "")
	}
	k := Key{
		Country:     strings.TrimSpace(parts[0]),
		Subdivision: strings.TrimSpace(parts[1]),
		FormFactor:  FormFactor(strings.TrimSpace(parts[3])),
		OSFamily:    OSFamily(strings.TrimSpace(parts[4])),
	}
	if k.Country == "" {
		return Key{}, false
	}
	if parts[2] != "" {
		n := 0
		for _, c := range parts[2] {
			if c < '0' || c > '9' {
				return Key{}, false
			}
			n = n*10 + int(c-'0')
		}
		k.Metro = n
		k.HasMetro = true
	}
	if k.FormFactor == "" {
		k.FormFactor = FormFactorOther
	}
	if k.OSFamily == "" {
		k.OSFamily = OSOther
	}
	return k, true
}
