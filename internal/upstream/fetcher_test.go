package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/newtab-tiles/tile-gateway/internal/gatewayerrors"
)

func TestFetch_BuildsRequestFromParams(t *testing.T) {
	var gotQuery url.Values
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tiles":[{"id":1,"name":"acme"}]}`))
	}))
	defer upstream.Close()

	f := New(time.Minute, time.Now())
	p := Params{Country: "US", Subdivision: "CA", Metro: 807, HasMetro: true, FormFactor: "desktop", OSFamily: "windows"}
	cfg := Config{PartnerID: "p1", Sub1: "newtab", QueryTileCount: 8}

	res, err := f.Fetch(context.Background(), upstream.URL, p, cfg, time.Second, time.Second, time.Now())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Tiles) != 1 || res.NoTiles {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotQuery.Get("country-code") != "US" || gotQuery.Get("dma-code") != "807" {
		t.Fatalf("unexpected query params: %v", gotQuery)
	}
	if gotQuery.Get("results") != "8" || gotQuery.Get("partner") != "p1" {
		t.Fatalf("unexpected fixed params: %v", gotQuery)
	}
}

func TestFetch_NoContentIsNoTiles(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	f := New(time.Minute, time.Now())
	res, err := f.Fetch(context.Background(), upstream.URL, Params{}, Config{}, time.Second, time.Second, time.Now())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.NoTiles {
		t.Fatal("expected a 204 upstream response to report NoTiles")
	}
}

func TestFetch_EmptyTileListIsNoTiles(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tiles":[]}`))
	}))
	defer upstream.Close()

	f := New(time.Minute, time.Now())
	res, err := f.Fetch(context.Background(), upstream.URL, Params{}, Config{}, time.Second, time.Second, time.Now())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.NoTiles {
		t.Fatal("expected an empty tiles array to report NoTiles")
	}
}

func TestFetch_ServerErrorMapsToUpstreamHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	f := New(time.Minute, time.Now())
	_, err := f.Fetch(context.Background(), upstream.URL, Params{}, Config{}, time.Second, time.Second, time.Now())
	ge, ok := err.(*gatewayerrors.Error)
	if !ok || ge.Kind != gatewayerrors.KindUpstreamHTTP || ge.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected a KindUpstreamHTTP error with status 502, got %v", err)
	}
}

func TestFetch_MalformedJSONIsBadResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer upstream.Close()

	f := New(time.Minute, time.Now())
	_, err := f.Fetch(context.Background(), upstream.URL, Params{}, Config{}, time.Second, time.Second, time.Now())
	ge, ok := err.(*gatewayerrors.Error)
	if !ok || ge.Kind != gatewayerrors.KindBadResponse {
		t.Fatalf("expected a KindBadResponse error, got %v", err)
	}
}

func TestFetch_ConnectTimeoutDoesNotBoundTheFullExchange(t *testing.T) {
	// The server connects immediately but takes longer than connectTimeout
	// to finish writing its response. A short connectTimeout must not abort
	// this exchange — only the dial phase is bounded by it; the full
	// exchange is bounded by requestTimeout instead (spec.md section 4.E).
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"tiles":[{"id":1,"name":"acme"}]}`))
	}))
	defer upstream.Close()

	f := New(time.Minute, time.Now())
	res, err := f.Fetch(context.Background(), upstream.URL, Params{}, Config{}, 5*time.Millisecond, 500*time.Millisecond, time.Now())
	if err != nil {
		t.Fatalf("expected a short connect timeout to leave a slow-but-successful exchange alone, got error: %v", err)
	}
	if len(res.Tiles) != 1 {
		t.Fatalf("expected the delayed response to still be read, got %+v", res)
	}
}

func TestFetch_TimeoutDuringWarmupIsTransient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer upstream.Close()

	start := time.Now()
	f := New(time.Hour, start)
	_, err := f.Fetch(context.Background(), upstream.URL, Params{}, Config{}, time.Second, 5*time.Millisecond, start)
	ge, ok := err.(*gatewayerrors.Error)
	if !ok || ge.Kind != gatewayerrors.KindUpstreamTimeout || !ge.Transient {
		t.Fatalf("expected a transient timeout during warm-up, got %v", err)
	}
}

func TestFetch_TimeoutAfterWarmupIsHardFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer upstream.Close()

	past := time.Now().Add(-time.Hour)
	f := New(0, past)
	_, err := f.Fetch(context.Background(), upstream.URL, Params{}, Config{}, time.Second, 5*time.Millisecond, time.Now())
	ge, ok := err.(*gatewayerrors.Error)
	if !ok || ge.Kind != gatewayerrors.KindUpstreamTimeout || ge.Transient {
		t.Fatalf("expected a non-transient timeout after warm-up, got %v", err)
	}
}
