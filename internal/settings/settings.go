// Package settings holds the hot-swappable, read-only view of partner
// advertiser policy (spec.md section 4.B). Refresh happens out-of-band (a
// file watcher or bucket poller, see internal/settingsloader) and installs a
// new Snapshot atomically; concurrent readers never observe a partially
// updated snapshot.
package settings

import (
	"sync/atomic"
	"time"
)

// PathMatchKind is how a PathRule matches a URL path.
type PathMatchKind int

const (
	// PathExact requires the URL path to equal Spec exactly.
	PathExact PathMatchKind = iota
	// PathPrefix requires Spec to end in "/" and the URL path to start
	// with it after normalization.
	PathPrefix
)

// PathRule is one compiled host+path rule for an advertiser in a given
// country (spec.md section 4.D rule 4).
type PathRule struct {
	Host string
	Kind PathMatchKind
	Spec string
}

// CountryRule is the set of path rules permitted for an advertiser in one
// country.
type CountryRule struct {
	Rules []PathRule
}

// AdvertiserRule is the per-advertiser policy: which countries it may serve
// in, and (optionally) which countries its tiles are restricted to overall.
type AdvertiserRule struct {
	// Countries maps a country code to its compiled host+path rules. A
	// country absent from this map means the advertiser has no rule for
	// it and its tiles are rejected there.
	Countries map[string]CountryRule

	// IncludeRegions, when non-empty, restricts this advertiser's tiles to
	// the listed countries regardless of the Countries map (spec.md
	// section 4.D rule 5).
	IncludeRegions map[string]struct{}
}

// Timeouts holds the fetcher's two distinct timeouts (spec.md section 4.E).
type Timeouts struct {
	Connect time.Duration
	Request time.Duration
}

// Snapshot is the immutable, atomically-swapped view of partner policy
// (spec.md section 3, "Settings snapshot"). All fields are read-only after
// installation.
type Snapshot struct {
	Advertisers map[string]AdvertiserRule

	ClickHosts      map[string]struct{}
	ImpressionHosts map[string]struct{}
	ImageHosts      map[string]struct{}

	// IncludeRegions, when non-empty, is the whole-response region gate
	// consulted when every candidate tile has been filtered out (spec.md
	// section 4.F step 3d): a country outside this set gets the empty-204
	// sentinel, a country inside it gets a 200 with an empty tiles list.
	// This is distinct from AdvertiserRule.IncludeRegions, which gates a
	// single advertiser's tiles during filtering (spec.md section 4.D
	// rule 5).
	IncludeRegions map[string]struct{}

	LegacyImageAdvertisers map[string]struct{}

	PartnerID      string
	Sub1           string
	QueryTileCount int

	Timeouts Timeouts
	TilesTTL time.Duration
	ImageTTL time.Duration
}

// AllowsAdvertiser reports whether name is a known advertiser.
func (s *Snapshot) AllowsAdvertiser(name string) bool {
	_, ok := s.Advertisers[name]
	return ok
}

// IsLegacyImageAdvertiser reports whether name may appear under the
// legacy-image filter (spec.md section 4.D rule 2).
func (s *Snapshot) IsLegacyImageAdvertiser(name string) bool {
	_, ok := s.LegacyImageAdvertisers[name]
	return ok
}

// RegionIncludedWhenEmpty reports whether country falls inside the
// whole-response include_regions gate consulted when a build's candidate
// tiles all get filtered out (spec.md section 4.F step 3d): a country
// outside the set degrades to the empty-204 sentinel instead of a 200 with
// an empty tiles list. An empty/unset IncludeRegions means no restriction,
// the same "absent means unrestricted" convention AdvertiserRule.
// IncludesRegion uses for the per-advertiser field of the same name.
func (s *Snapshot) RegionIncludedWhenEmpty(country string) bool {
	if len(s.IncludeRegions) == 0 {
		return true
	}
	_, ok := s.IncludeRegions[country]
	return ok
}

// Store holds the current Snapshot behind an atomic pointer. Current is
// wait-free for readers; Install is the only writer (spec.md section 5,
// "Settings-snapshot swap is wait-free for readers").
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore creates a Store, optionally pre-populated with an initial
// snapshot (pass nil to start empty — Current then returns an empty
// Snapshot rather than nil, so callers never need a nil check).
func NewStore(initial *Snapshot) *Store {
	st := &Store{}
	if initial == nil {
		initial = &Snapshot{}
	}
	st.ptr.Store(initial)
	return st
}

// Current returns the currently installed snapshot.
func (s *Store) Current() *Snapshot {
	return s.ptr.Load()
}

// Install atomically swaps in a new snapshot. Callers that fail to parse a
// refreshed snapshot should simply not call Install, leaving the previous
// snapshot in place (spec.md section 4.B: "Parsing failures preserve the
// previous snapshot").
func (s *Store) Install(snap *Snapshot) {
	s.ptr.Store(snap)
}
