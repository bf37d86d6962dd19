package settings

import (
	"encoding/json"
	"fmt"
	"time"
)

// rawDocument mirrors the on-disk/bucket JSON shape for adm_settings
// (spec.md section 6). It is intentionally permissive — unknown fields are
// ignored — since this is policy data maintained outside this repo.
type rawDocument struct {
	PartnerID      string `json:"partner_id"`
	Sub1           string `json:"sub1"`
	QueryTileCount int    `json:"query_tile_count"`

	TilesTTLSeconds int `json:"tiles_ttl_seconds"`
	ImageTTLSeconds int `json:"image_ttl_seconds"`

	ConnectTimeoutMS int `json:"connect_timeout_ms"`
	RequestTimeoutMS int `json:"request_timeout_ms"`

	ClickHosts      []string `json:"click_hosts"`
	ImpressionHosts []string `json:"impression_hosts"`
	ImageHosts      []string `json:"image_hosts"`

	// IncludeRegions is the whole-snapshot region gate (spec.md section 3),
	// distinct from an individual advertiser's own include_regions list.
	IncludeRegions []string `json:"include_regions"`

	LegacyImageAdvertisers []string `json:"legacy_image_advertisers"`

	Advertisers map[string]rawAdvertiser `json:"advertisers"`

	// Defaults (adm_defaults, spec.md section 6): an advertiser with no
	// countries at all takes these countries, and one with no
	// include_regions takes these include_regions. An advertiser that
	// lists some countries gets no default rule for the countries it
	// leaves out.
	Defaults *rawAdvertiser `json:"defaults"`
}

type rawAdvertiser struct {
	// Countries maps a country code to the list of allowed
	// "host/path" or "host/path/" specs (trailing slash = prefix match).
	Countries      map[string][]string `json:"countries"`
	IncludeRegions []string            `json:"include_regions"`
}

// ParseSnapshot parses the JSON adm_settings document into a Snapshot,
// compiling advertiser path rules up front so the filter performs no
// parsing at request time.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing settings document: %w", err)
	}

	snap := &Snapshot{
		Advertisers:            make(map[string]AdvertiserRule, len(doc.Advertisers)),
		ClickHosts:             toSet(doc.ClickHosts),
		ImpressionHosts:        toSet(doc.ImpressionHosts),
		ImageHosts:             toSet(doc.ImageHosts),
		IncludeRegions:         toSet(doc.IncludeRegions),
		LegacyImageAdvertisers: toSet(doc.LegacyImageAdvertisers),
		PartnerID:              doc.PartnerID,
		Sub1:                   doc.Sub1,
		QueryTileCount:         doc.QueryTileCount,
		Timeouts: Timeouts{
			Connect: time.Duration(doc.ConnectTimeoutMS) * time.Millisecond,
			Request: time.Duration(doc.RequestTimeoutMS) * time.Millisecond,
		},
		TilesTTL: time.Duration(doc.TilesTTLSeconds) * time.Second,
		ImageTTL: time.Duration(doc.ImageTTLSeconds) * time.Second,
	}

	for name, raw := range doc.Advertisers {
		rule, err := compileAdvertiser(raw, doc.Defaults)
		if err != nil {
			return nil, fmt.Errorf("advertiser %q: %w", name, err)
		}
		snap.Advertisers[name] = rule
	}

	return snap, nil
}

func compileAdvertiser(raw rawAdvertiser, defaults *rawAdvertiser) (AdvertiserRule, error) {
	countries := raw.Countries
	if len(countries) == 0 && defaults != nil {
		countries = defaults.Countries
	}

	rule := AdvertiserRule{
		Countries: make(map[string]CountryRule, len(countries)),
	}

	for country, specs := range countries {
		cr := CountryRule{Rules: make([]PathRule, 0, len(specs))}
		for _, spec := range specs {
			host, path, err := splitHostPath(spec)
			if err != nil {
				return AdvertiserRule{}, fmt.Errorf("country %q: %w", country, err)
			}
			kind, normalized := CompilePathSpec(path)
			cr.Rules = append(cr.Rules, PathRule{Host: host, Kind: kind, Spec: normalized})
		}
		rule.Countries[country] = cr
	}

	regions := raw.IncludeRegions
	if len(regions) == 0 && defaults != nil {
		regions = defaults.IncludeRegions
	}
	if len(regions) > 0 {
		rule.IncludeRegions = toSet(regions)
	}

	return rule, nil
}

// splitHostPath splits "host/path/to/thing" into ("host", "/path/to/thing").
func splitHostPath(spec string) (host, path string, err error) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			return spec[:i], spec[i:], nil
		}
	}
	return "", "", fmt.Errorf("spec %q missing a path component", spec)
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
