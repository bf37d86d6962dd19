package classify

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKeyString_StableAndDistinct(t *testing.T) {
	a := Key{Country: "US", Subdivision: "CA", Metro: 807, HasMetro: true, FormFactor: FormFactorDesktop, OSFamily: OSMacOS}
	b := Key{Country: "US", Subdivision: "CA", Metro: 807, HasMetro: true, FormFactor: FormFactorDesktop, OSFamily: OSMacOS}
	c := Key{Country: "US", Subdivision: "CA", Metro: 501, HasMetro: true, FormFactor: FormFactorDesktop, OSFamily: OSMacOS}

	if a.String() != b.String() {
		t.Fatalf("equal keys produced different strings: %q vs %q", a.String(), b.String())
	}
	if a.String() == c.String() {
		t.Fatalf("distinct metros collapsed to the same string: %q", a.String())
	}
}

func TestClassify_TestHeaderOverride(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TestHeaderName, "DE,BY,,tablet,android")

	key := Classify(req, Options{AllowTestHeader: true})

	want := Key{Country: "DE", Subdivision: "BY", FormFactor: FormFactorTablet, OSFamily: OSAndroid}
	if key != want {
		t.Fatalf("got %+v, want %+v", key, want)
	}
}

func TestClassify_TestHeaderIgnoredWhenDisallowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TestHeaderName, "DE,BY,,tablet,android")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0")

	key := Classify(req, Options{AllowTestHeader: false, DefaultCountry: "US"})

	if key.Country != "US" {
		t.Fatalf("test header should be ignored, got country %q", key.Country)
	}
	if key.FormFactor != FormFactorDesktop {
		t.Fatalf("expected desktop form factor from UA, got %q", key.FormFactor)
	}
}

func TestClassify_LocationUnknownFallsBackToDefaultCountry(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.10:1234"

	key := Classify(req, Options{DefaultCountry: "US", Locator: notFoundLocator{}})

	if key.Country != "US" {
		t.Fatalf("expected fallback country US, got %q", key.Country)
	}
}

func TestClassify_MetroOnlyWhenPolicyEligible(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.10:1234"

	key := Classify(req, Options{Locator: staticLocator{Location{Country: "DE", HasMetro: true, Metro: 5, Found: true}}})

	if key.HasMetro {
		t.Fatalf("expected metro suppressed for a non-US country under the default policy")
	}
}

func TestUserAgentClassification(t *testing.T) {
	tests := []struct {
		name           string
		ua             string
		wantOS         OSFamily
		wantFormFactor FormFactor
		wantSanctioned bool
		wantLegacy     bool
	}{
		{
			name:           "windows desktop firefox",
			ua:             "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
			wantOS:         OSWindows,
			wantFormFactor: FormFactorDesktop,
			wantSanctioned: true,
		},
		{
			name:           "android phone firefox",
			ua:             "Mozilla/5.0 (Android 13; Mobile; rv:120.0) Gecko/120.0 Firefox/120.0",
			wantOS:         OSAndroid,
			wantFormFactor: FormFactorPhone,
			wantSanctioned: true,
		},
		{
			name:           "ipad tablet firefox",
			ua:             "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 FxiOS/120.0 Firefox/120.0",
			wantOS:         OSiOS,
			wantFormFactor: FormFactorTablet,
			wantSanctioned: true,
		},
		{
			name:           "legacy firefox version",
			ua:             "Mozilla/5.0 (X11; Linux x86_64; rv:78.0) Gecko/20100101 Firefox/78.0",
			wantOS:         OSLinux,
			wantFormFactor: FormFactorDesktop,
			wantSanctioned: true,
			wantLegacy:     true,
		},
		{
			name:           "non-firefox browser",
			ua:             "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36",
			wantOS:         OSMacOS,
			wantFormFactor: FormFactorDesktop,
			wantSanctioned: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := osFamilyFromUA(tt.ua); got != tt.wantOS {
				t.Errorf("osFamilyFromUA: got %q, want %q", got, tt.wantOS)
			}
			if got := formFactorFromUA(tt.ua); got != tt.wantFormFactor {
				t.Errorf("formFactorFromUA: got %q, want %q", got, tt.wantFormFactor)
			}
			if got := IsSanctionedBrowser(tt.ua); got != tt.wantSanctioned {
				t.Errorf("IsSanctionedBrowser: got %v, want %v", got, tt.wantSanctioned)
			}
			if got := isLegacyImageVersion(tt.ua); got != tt.wantLegacy {
				t.Errorf("isLegacyImageVersion: got %v, want %v", got, tt.wantLegacy)
			}
		})
	}
}

type staticLocator struct{ loc Location }

func (s staticLocator) Lookup(ip net.IP) Location { return s.loc }

type notFoundLocator struct{}

func (notFoundLocator) Lookup(ip net.IP) Location { return Location{} }
