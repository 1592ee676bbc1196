// Command sentryd is the long-running DC SFRA/FRZ/P-56 surveillance
// service: it polls the upstream traffic feed, runs the precompute
// pipeline on every tick, and serves the resulting Read Cache over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ncrsentry/sentry/internal/api"
	"github.com/ncrsentry/sentry/internal/cache"
	"github.com/ncrsentry/sentry/internal/config"
	"github.com/ncrsentry/sentry/internal/fetcher"
	"github.com/ncrsentry/sentry/internal/fsutil"
	"github.com/ncrsentry/sentry/internal/geo"
	"github.com/ncrsentry/sentry/internal/httputil"
	"github.com/ncrsentry/sentry/internal/intrusion"
	"github.com/ncrsentry/sentry/internal/pipeline"
	"github.com/ncrsentry/sentry/internal/snapshotstore"
	"github.com/ncrsentry/sentry/internal/timeutil"
	"github.com/ncrsentry/sentry/internal/trackstore"
	"github.com/ncrsentry/sentry/internal/version"
)

var listen = flag.String("listen", "", "Listen address (overrides SENTRY_LISTEN_ADDR)")

func main() {
	flag.Parse()
	log.Printf("sentryd %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	geoFiles, err := discoverGeoFiles(cfg.GeoDataDir)
	if err != nil {
		log.Fatalf("geo: %v", err)
	}
	registry, err := geo.LoadFiles(fsutil.OSFileSystem{}, geoFiles)
	if err != nil {
		log.Fatalf("geo: %v", err)
	}

	snaps, err := snapshotstore.Open(cfg.SnapshotDBPath, cfg.SnapshotRetain)
	if err != nil {
		log.Fatalf("snapshotstore: %v", err)
	}
	defer snaps.Close()

	osfs := fsutil.OSFileSystem{}
	tracks := trackstore.New(cfg.TrackRingSize, osfs, cfg.TrackHistoryPath)
	if err := tracks.Load(); err != nil {
		log.Fatalf("trackstore: %v", err)
	}

	p56History := intrusion.NewHistory(osfs, cfg.P56HistoryPath)
	if err := p56History.Load(); err != nil {
		log.Fatalf("intrusion history: %v", err)
	}

	tracker := intrusion.NewTracker(
		p56History, registry, snaps, tracks,
		time.Duration(cfg.DedupWindowSeconds)*time.Second,
		cfg.ExitConfirmTicks,
	)

	readCache := cache.New()
	pl := pipeline.New(snaps, tracks, registry, tracker, readCache, cfg.TrimRadiusNM)
	defer pl.Close()

	f := fetcher.New(
		cfg.UpstreamURL,
		time.Duration(cfg.PollIntervalSeconds)*time.Second,
		httputil.NewStandardClient(nil),
		timeutil.RealClock{},
	)
	subID, events := f.Subscribe()
	defer f.Unsubscribe(subID)

	server := api.NewServer(readCache, tracks, snaps, p56History, cfg.AdminPassword)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := f.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("fetcher: %v", err)
		}
		log.Print("fetcher routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev := <-events:
				pl.OnEvent(ev)
			case <-ctx.Done():
				log.Print("pipeline dispatch routine terminated")
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx, cfg.ListenAddr); err != nil {
			log.Printf("api: %v", err)
		}
		log.Print("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Print("graceful shutdown complete")
}

// discoverGeoFiles enumerates the GeoJSON files in dir; geo.LoadFiles
// itself only deals in explicit file paths (see its doc comment), so the
// caller is responsible for listing the directory.
func discoverGeoFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".geojson" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}
