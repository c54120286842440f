// Command sweeper runs the sweep engine daemon: instruments, the sqlite
// store, the HTTP monitor and the gRPC control service.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"sync"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/sweeper/internal/config"
	"github.com/banshee-data/sweeper/internal/control"
	"github.com/banshee-data/sweeper/internal/db"
	"github.com/banshee-data/sweeper/internal/instrument"
	"github.com/banshee-data/sweeper/internal/metrics"
	"github.com/banshee-data/sweeper/internal/monitor"
	"github.com/banshee-data/sweeper/internal/sweep"
	"github.com/banshee-data/sweeper/internal/timeutil"
	"github.com/banshee-data/sweeper/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Replace serial instruments with loopback devices")
	listen     = flag.String("listen", ":8090", "HTTP monitor listen address")
	grpcListen = flag.String("grpc", ":50061", "gRPC control listen address")
	dbPath     = flag.String("db", "", "SQLite database path (overrides the config file)")
	configPath = flag.String("config", config.DefaultConfigPath, "Engine config JSON file")
)

// devInstruments returns a copy of cfgs with every serial instrument
// swapped for an in-memory loopback.
func devInstruments(cfgs []instrument.Config) []instrument.Config {
	out := make([]instrument.Config, len(cfgs))
	for i, c := range cfgs {
		if c.Kind == instrument.KindSerial {
			c.Kind = instrument.KindLoopback
		}
		out[i] = c
	}
	return out
}

// databasePath picks the -db flag over the config file.
func databasePath(flagValue string, cfg *config.EngineConfig) string {
	if flagValue != "" {
		return flagValue
	}
	return cfg.GetDatabase()
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *grpcListen == "" {
		log.Fatal("gRPC listen address is required")
	}
	log.Printf("sweeper %s", version.String())

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instCfgs := cfg.Instruments
	if *devMode {
		instCfgs = devInstruments(instCfgs)
	}
	registry, err := instrument.Build(ctx, instCfgs, instrument.DefaultOpener)
	if err != nil {
		log.Fatalf("failed to build instruments: %v", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Printf("failed to close instruments: %v", err)
		}
	}()

	database, err := db.NewDB(databasePath(*dbPath, cfg))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	store := db.NewStore(database)
	defer store.Close()
	if err := store.SwitchContext(ctx, "", cfg.GetExperiment(), cfg.GetSample()); err != nil {
		log.Fatalf("failed to select experiment: %v", err)
	}

	clock := timeutil.RealClock{}
	engine := sweep.NewEngine(cfg.EngineOptions(clock))
	defer engine.Close()

	collector := metrics.NewCollector(clock)
	plots := monitor.NewLivePlot(cfg.GetLivePlotCapacity())
	engine.SetSink(store)
	engine.AddPlotConsumer(plots)
	engine.AddPlotConsumer(collector)
	engine.AddObserver(collector)

	manager := control.NewManager(control.Config{
		Engine:     engine,
		Params:     registry,
		Queue:      cfg.QueueConfig(),
		Gauge:      collector,
		Forgetters: []control.Forgetter{plots, collector},
	})

	srv := monitor.NewServer(monitor.Config{
		Address:    *listen,
		Controller: manager,
		Plots:      plots,
		Datasets:   store,
		Metrics:    collector.Handler(),
	})
	if err := store.AttachAdminRoutes(srv.Mux()); err != nil {
		log.Fatalf("failed to attach db admin routes: %v", err)
	}
	registry.AttachAdminRoutes(srv.Mux())

	lis, err := net.Listen("tcp", *grpcListen)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *grpcListen, err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			log.Printf("monitor server error: %v", err)
			stop()
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("gRPC control listening on %s", lis.Addr())
		if err := control.NewService(manager).Serve(ctx, lis); err != nil {
			log.Printf("gRPC server error: %v", err)
			stop()
		}
		log.Printf("gRPC server routine stopped")
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	manager.Shutdown()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
