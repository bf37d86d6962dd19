// Package gateway wires the settings snapshot, upstream fetcher, tile
// filter, and image mirror into the single BuildFunc the tile cache calls
// on a miss (spec.md section 4.F step 3).
package gateway

import (
	"context"
	"time"

	"github.com/newtab-tiles/tile-gateway/internal/classify"
	"github.com/newtab-tiles/tile-gateway/internal/filter"
	"github.com/newtab-tiles/tile-gateway/internal/settings"
	"github.com/newtab-tiles/tile-gateway/internal/tiles"
	"github.com/newtab-tiles/tile-gateway/internal/upstream"
)

// Endpoints are the two partner URLs the fetcher targets, selected by the
// classified form factor (spec.md section 6).
type Endpoints struct {
	Desktop string
	Mobile  string
}

func (e Endpoints) forFormFactor(ff classify.FormFactor) string {
	if ff == classify.FormFactorDesktop {
		return e.Desktop
	}
	return e.Mobile
}

// Pipeline assembles a BuildFunc from the gateway's component stages.
type Pipeline struct {
	Settings  *settings.Store
	Fetcher   *upstream.Fetcher
	Images    filter.Mirrorer
	Endpoints Endpoints
	Metrics   filter.Metrics
	Now       func() time.Time
}

// Build runs the B→E→D→C miss pipeline for key: read the current settings
// snapshot, fetch candidate tiles from the partner, filter and mirror each
// one, and assemble the response body with its TTL.
func (p *Pipeline) Build(ctx context.Context, key classify.Key) (tiles.Body, time.Duration, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	nowT := now()

	snap := p.Settings.Current()
	endpoint := p.Endpoints.forFormFactor(key.FormFactor)

	cfg := upstream.Config{
		PartnerID:      snap.PartnerID,
		Sub1:           snap.Sub1,
		QueryTileCount: snap.QueryTileCount,
	}
	params := upstream.Params{
		Country:     key.Country,
		Subdivision: key.Subdivision,
		Metro:       key.Metro,
		HasMetro:    key.HasMetro,
		FormFactor:  string(key.FormFactor),
		OSFamily:    string(key.OSFamily),
	}

	res, err := p.Fetcher.Fetch(ctx, endpoint, params, cfg, snap.Timeouts.Connect, snap.Timeouts.Request, nowT)
	if err != nil {
		return tiles.Body{}, 0, err
	}
	if res.NoTiles {
		// Upstream reported no fill at all: the sentinel the handler maps
		// to a bare 204 (spec.md section 4.F step 3d, upstream-empty case).
		return tiles.Empty204Body(), snap.TilesTTL, nil
	}

	body := tiles.Body{Tiles: make([]tiles.ResponseTile, 0, len(res.Tiles))}
	for _, t := range res.Tiles {
		rt, ok := filter.Filter(ctx, t, snap, key, p.Images, nowT, p.Metrics)
		if !ok {
			continue
		}
		body.Tiles = append(body.Tiles, rt)
	}

	if len(body.Tiles) == 0 {
		// Every candidate survived upstream but none passed policy: the
		// whole-response include_regions gate decides the shape (spec.md
		// section 4.F step 3d). A country outside it degrades to the
		// empty-204 sentinel; a country inside it still gets a 200 with an
		// empty tiles list, since that's a real, policy-scoped result
		// rather than a partner outage.
		if !snap.RegionIncludedWhenEmpty(key.Country) {
			return tiles.Empty204Body(), snap.TilesTTL, nil
		}
	}

	return body, snap.TilesTTL, nil
}
