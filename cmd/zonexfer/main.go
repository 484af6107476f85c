package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/cloudDNS/internal/core/domain"
	"github.com/poyrazK/cloudDNS/internal/dns/server"
	"github.com/poyrazK/cloudDNS/internal/dns/tsig"
	"github.com/poyrazK/cloudDNS/internal/dns/xfr"
	"github.com/poyrazK/cloudDNS/internal/transfer"
)

// zoneConfig is one entry of the -zones-file JSON document: a zone name
// and its candidate masters, in fallback order.
type zoneConfig struct {
	Zone    string   `json:"zone"`
	Masters []string `json:"masters"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("zonexfer failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	zonesFile := flag.String("zones-file", "", "path to the JSON zones configuration")
	keyFile := flag.String("key-file", "", "path to the TSIG key file; removed after a successful read")
	dbURL := flag.String("db-url", os.Getenv("DATABASE_URL"), "Postgres DSN for serial bookkeeping (empty disables persistence)")
	redisURL := flag.String("redis-url", os.Getenv("REDIS_URL"), "Redis address for zone-transferred invalidation fan-out (empty disables it)")
	outDir := flag.String("out-dir", ".", "directory to write zone files and radix arenas into")
	timeout := flag.Duration("timeout", 30*time.Second, "per-connection I/O timeout")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *zonesFile == "" {
		return fmt.Errorf("zonexfer: -zones-file is required")
	}
	zones, err := loadZonesFile(*zonesFile)
	if err != nil {
		return err
	}

	var keys map[string]*tsig.Key
	if *keyFile != "" {
		keys, err = transfer.LoadAndRemoveKeyFile(*keyFile)
		if err != nil {
			return fmt.Errorf("zonexfer: loading key file: %w", err)
		}
	}

	driver := &transfer.Driver{TreeDir: *outDir, Timeout: *timeout, Log: logger}

	if *dbURL != "" {
		db, err := sql.Open("pgx", *dbURL)
		if err != nil {
			return fmt.Errorf("zonexfer: open postgres: %w", err)
		}
		defer func() { _ = db.Close() }()
		store := transfer.NewSerialStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		driver.Serials = store
	}

	if *redisURL != "" {
		cache := server.NewRedisCache(*redisURL, "", 0)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := cache.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("zonexfer: connect redis at %s: %w", *redisURL, err)
		}
		driver.Redis = cache
		logger.Info("connected to redis", "url", *redisURL)
	}

	worstOutcome := xfr.OutcomeUpToDate
	var firstErr error
	for _, zc := range zones {
		masters := make([]transfer.MasterConfig, 0, len(zc.Masters))
		for _, addr := range zc.Masters {
			masters = append(masters, transfer.MasterConfig{Addr: addr, Key: keys[hostOf(addr)]})
		}
		outcome, err := driver.RunZone(ctx, zc.Zone, masters)
		if outcome > worstOutcome {
			worstOutcome = outcome
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		logger.Info("zone transfer pass complete", "zone", zc.Zone, "outcome", outcome.String())
	}

	if worstOutcome == xfr.OutcomeFail {
		return fmt.Errorf("zonexfer: at least one zone failed: %w", firstErr)
	}
	return nil
}

func loadZonesFile(path string) ([]zoneConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("zonexfer: open zones file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var zones []zoneConfig
	if err := json.NewDecoder(f).Decode(&zones); err != nil {
		return nil, fmt.Errorf("zonexfer: parse zones file: %w", err)
	}
	for _, zc := range zones {
		if err := domain.ValidateZoneName(zc.Zone); err != nil {
			return nil, fmt.Errorf("zonexfer: zones file entry %q: %w", zc.Zone, err)
		}
	}
	return zones, nil
}

// hostOf strips a trailing ":port" so a master's TSIG key (keyed by the
// bare server IP) can be looked up regardless of whether the zones file
// spells the master as "ip" or "ip:port".
func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
