package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tickplane/tickplane/internal/api"
	"github.com/tickplane/tickplane/internal/broker"
	"github.com/tickplane/tickplane/internal/buildinfo"
	"github.com/tickplane/tickplane/internal/config"
	"github.com/tickplane/tickplane/internal/discovery"
	"github.com/tickplane/tickplane/internal/dlq"
	"github.com/tickplane/tickplane/internal/geo"
	"github.com/tickplane/tickplane/internal/refresh"
	"github.com/tickplane/tickplane/internal/registry"
	"github.com/tickplane/tickplane/internal/tlsutil"
)

// storeResolver answers discovery lookups straight from the in-process
// registry, so broker deliveries never loop back through the HTTP surface.
type storeResolver struct {
	store *registry.Store
}

func (r storeResolver) Resolve(_ context.Context, serviceName string) (discovery.Endpoint, error) {
	inst, err := r.store.ResolveOne(serviceName, registry.ResolveFilter{})
	if err != nil {
		return discovery.Endpoint{}, err
	}
	return discovery.Endpoint{
		ServiceName: inst.ServiceName,
		InstanceID:  inst.InstanceID,
		IP:          inst.IP,
		Port:        inst.Port,
	}, nil
}

// timeoutFinder caps each findService call with the configured resolve
// timeout before handing it to the discovery client.
type timeoutFinder struct {
	client  *discovery.Client
	timeout time.Duration
}

func (f timeoutFinder) FindService(ctx context.Context, serviceName string) (discovery.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.client.FindService(ctx, serviceName)
}

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if config.IsWeakSecret(envCfg.BootstrapSecret) {
		log.Printf("[main] WARNING: TICKPLANE_BOOTSTRAP_SECRET is weak, pick a longer random value")
	}

	log.Printf("[main] tickplane %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	// 2. Service-name catalog
	catalog := registry.NewCatalog(nil)
	if envCfg.ServiceCatalog != "" {
		catalog, err = registry.LoadCatalog(envCfg.ServiceCatalog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	// 3. Optional region enrichment
	var regions geo.Resolver
	if envCfg.GeoIPDB != "" {
		db, err := geo.Open(envCfg.GeoIPDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		regions = db
	}

	// 4. Registry store and lease cleaner
	store := registry.NewStore(registry.StoreConfig{
		Catalog:    catalog,
		DefaultTTL: envCfg.LeaseTTL,
	})
	cleaner := registry.NewCleanerWithInterval(store, envCfg.CleanupInterval, envCfg.CleanupInterval/2)
	cleaner.Start()
	defer cleaner.Stop()

	// 5. TLS material, shared by the server and the broker's outbound pushes
	var serverTLS *tls.Config
	deliverClient := &http.Client{Timeout: envCfg.DeliverTimeout}
	if envCfg.TLSCertFile != "" {
		material := tlsutil.Material{
			CertFile:   envCfg.TLSCertFile,
			KeyFile:    envCfg.TLSKeyFile,
			CAFile:     envCfg.TLSCAFile,
			ForceTLS13: envCfg.TLSForce13,
		}
		serverTLS, err = tlsutil.ServerConfig(material)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		clientTLS, err := tlsutil.ClientConfig(material)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		deliverClient, err = tlsutil.NewHTTPClient(clientTLS, envCfg.DeliverTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	} else {
		log.Printf("[main] WARNING: serving plaintext, set TICKPLANE_TLS_CERT/KEY/CA for mutual TLS")
	}

	// 6. Broker: dead-letter sink, delivery engine, dispatcher
	var sink broker.DeadLetterSink = &dlq.MemorySink{}
	var dlqStore *dlq.Store
	if envCfg.DLQDBPath != "" {
		dlqStore, err = dlq.Open(envCfg.DLQDBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		defer dlqStore.Close()
		sink = dlqStore
	}

	finder := discovery.NewClient(discovery.Config{
		Cache:        discovery.NewCache(envCfg.CacheTTL),
		Resolver:     storeResolver{store: store},
		HTTPClient:   deliverClient,
		ProbeTimeout: envCfg.ServicePingTimeout,
	})

	engine := broker.NewEngine(broker.EngineConfig{
		Finder:      timeoutFinder{client: finder, timeout: envCfg.ResolveTimeout},
		Sink:        sink,
		HTTPClient:  deliverClient,
		MaxAttempts: envCfg.MaxDeliveryAttempts,
		SendTimeout: envCfg.DeliverTimeout,
	})
	table := broker.NewTable()
	dispatcher := broker.NewDispatcher(broker.DispatcherConfig{
		Table:       table,
		Engine:      engine,
		Concurrency: envCfg.DispatchConcurrency,
	})
	defer dispatcher.Stop()

	// 7. Background jobs
	scheduler := refresh.NewScheduler()
	if dlqStore != nil {
		err := scheduler.RegisterCron("dlq-purge", envCfg.DLQPurgeSchedule, func(ctx context.Context) error {
			n, err := dlqStore.Purge(ctx, time.Now().Add(-envCfg.DLQRetention))
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("[main] dlq purge dropped %d record(s)", n)
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	// 8. HTTP server
	srv := api.NewServer(api.ServerConfig{
		ListenAddress:   envCfg.ListenAddress,
		Port:            envCfg.Port,
		Store:           store,
		Table:           table,
		Dispatcher:      dispatcher,
		Regions:         regions,
		TLSConfig:       serverTLS,
		BootstrapSecret: envCfg.BootstrapSecret,
		MaxBodyBytes:    int64(envCfg.APIMaxBodyBytes),
		RateLimitRPS:    envCfg.RateLimitRPS,
		RateLimitBurst:  envCfg.RateLimitBurst,
	})

	go func() {
		log.Printf("[main] control plane listening on %s:%d", envCfg.ListenAddress, envCfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] server error: %v", err)
		}
	}()

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[main] received signal %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] server shutdown error: %v", err)
	}
	log.Printf("[main] stopped")
}
