package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/api"
	"github.com/mysqlgate/mysqlgate/internal/config"
	"github.com/mysqlgate/mysqlgate/internal/destination"
	"github.com/mysqlgate/mysqlgate/internal/endpoint"
	"github.com/mysqlgate/mysqlgate/internal/guidelines"
	"github.com/mysqlgate/mysqlgate/internal/metadata"
	"github.com/mysqlgate/mysqlgate/internal/metrics"
	"github.com/mysqlgate/mysqlgate/internal/pool"
	"github.com/mysqlgate/mysqlgate/internal/proxy"
	"github.com/mysqlgate/mysqlgate/internal/resolver"
)

func main() {
	configPath := flag.String("config", "configs/mysqlgate.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("mysqlgate starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d routes)", *configPath, len(cfg.Routes))

	logger := slog.Default()

	m := metrics.New()
	quarantine := destination.NewQuarantine(logger)
	connPool := pool.New(cfg.Defaults.MaxPooledConnections, cfg.Defaults.IdleTimeout, logger)

	routerInfo := buildRouterInfo(cfg)

	// the auto-generated guideline mirrors the plain route configuration
	defaultDoc, err := defaultGuidelines(cfg)
	if err != nil {
		log.Fatalf("Failed to generate default routing guidelines: %v", err)
	}

	activeDoc := defaultDoc
	if cfg.GuidelinesFile != "" {
		data, err := os.ReadFile(cfg.GuidelinesFile)
		if err != nil {
			log.Fatalf("Failed to read guidelines file: %v", err)
		}
		activeDoc = string(data)
	}

	engine, err := guidelines.New(activeDoc)
	if err != nil {
		log.Fatalf("Failed to compile routing guidelines: %v", err)
	}
	engine.SetDefaultDocument(defaultDoc)

	lookup, err := resolver.NewDNSLookup()
	if err != nil {
		log.Printf("Warning: DNS lookup unavailable, RESOLVE_V4/V6 will not resolve: %v", err)
	}

	var refresher *resolver.Refresher
	if lookup != nil {
		refresher = resolver.NewRefresher(engine, lookup, cfg.Defaults.ResolveRefreshInterval, logger)
		refresher.Start()
	}

	// the metadata cache is fed externally; start it empty so managers
	// can subscribe
	mdCache := metadata.NewCache()
	mdCache.SetTopology(metadata.ClusterTopology{}, true)

	var (
		routeServers []*proxy.RouteServer
		managers     = make(map[string]destination.Manager)
		metaManagers []*destination.MetadataManager
	)

	for name, route := range cfg.Routes {
		listenEP, err := route.ListenEndpoint()
		if err != nil {
			log.Fatalf("Route %q: %v", name, err)
		}

		routerInfo.RouteName = name
		routeCtx := &destination.RoutingContext{
			Name:                      name,
			RouterInfo:                routerInfo,
			Engine:                    engine,
			Quarantine:                quarantine,
			SourceSSLMode:             destination.SSLMode(strings.ToUpper(route.ClientSSLMode)),
			DestSSLMode:               destination.SSLMode(strings.ToUpper(route.ServerSSLMode)),
			DestinationConnectTimeout: route.EffectiveConnectTimeout(cfg.Defaults),
			PrimaryFailoverTimeout:    route.EffectivePrimaryFailoverTimeout(cfg.Defaults),
		}
		if strings.EqualFold(route.AccessMode, "auto") {
			routeCtx.AccessMode = destination.AccessModeAuto
		}

		var manager destination.Manager
		if route.IsMetadataRoute() {
			uri, err := endpoint.ParseMetadataURI(route.Destinations)
			if err != nil {
				log.Fatalf("Route %q: %v", name, err)
			}
			metaManager := destination.NewMetadataManager(uri, mdCache, routeCtx, logger)
			metaManagers = append(metaManagers, metaManager)
			manager = metaManager
		} else {
			strategy, err := destination.ParseStrategy(route.Strategy)
			if err != nil {
				log.Fatalf("Route %q: %v", name, err)
			}
			staticManager := destination.NewStaticManager(strategy, routeCtx)
			eps, err := endpoint.ParseStaticList(route.Destinations, 3306)
			if err != nil {
				log.Fatalf("Route %q: %v", name, err)
			}
			for _, ep := range eps {
				staticManager.Add(ep)
			}
			manager = staticManager
		}

		if err := manager.Start(); err != nil {
			log.Fatalf("Route %q: starting destination manager: %v", name, err)
		}
		managers[name] = manager

		routeServers = append(routeServers, proxy.NewRouteServer(
			listenEP, routeCtx, manager, connPool, m,
			route.EffectiveSharingDelay(cfg.Defaults), logger))
	}

	prober := destination.NewProber(quarantine, cfg.Defaults.QuarantineInterval, time.Second, logger)
	prober.Start()

	server := proxy.NewServer(routeServers, logger)
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start proxy server: %v", err)
	}

	// periodic pool and quarantine gauges
	statsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var lastReused uint64
		for {
			select {
			case <-ticker.C:
				reused := connPool.ReusedConnections()
				m.UpdatePoolStats(connPool.CurrentPooledConnections(),
					connPool.CurrentStashedConnections(), reused-lastReused)
				lastReused = reused
				m.SetQuarantineSize(quarantine.Size())
			case <-statsStop:
				return
			}
		}
	}()

	updateGuidelines := func(document string) (guidelines.RouteChanges, error) {
		var changes guidelines.RouteChanges
		var err error
		if len(metaManagers) > 0 {
			changes, err = metaManagers[0].UpdateRoutingGuidelines(document, lookup)
			for _, manager := range metaManagers[1:] {
				manager.ClearInternalState()
			}
		} else if document == "" || document == "{}" {
			changes, err = engine.RestoreDefault()
		} else {
			var newEngine *guidelines.Engine
			newEngine, err = guidelines.New(document)
			if err == nil {
				if lookup != nil {
					newEngine.UpdateResolveCache(resolver.BuildCache(newEngine, lookup, logger))
				}
				changes = engine.Update(newEngine, true)
			}
		}
		return changes, err
	}

	apiServer := api.NewServer(api.Deps{
		Engine:           engine,
		Quarantine:       quarantine,
		Pool:             connPool,
		Managers:         managers,
		Metrics:          m,
		UpdateGuidelines: updateGuidelines,
	}, cfg.API, logger)
	if err := apiServer.Start(); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// hot reload of the guidelines document file
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		if newCfg.GuidelinesFile == "" {
			return
		}
		data, err := os.ReadFile(newCfg.GuidelinesFile)
		if err != nil {
			log.Printf("Reloading guidelines failed: %v", err)
			return
		}
		if _, err := updateGuidelines(string(data)); err != nil {
			log.Printf("Applying reloaded guidelines failed: %v", err)
			return
		}
		log.Printf("Routing guidelines reloaded from %s", newCfg.GuidelinesFile)
	}, cfg.GuidelinesFile)
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("mysqlgate ready - %d routes, API on %s:%d", len(routeServers), cfg.API.Bind, cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	server.Stop()
	close(statsStop)
	prober.Stop()
	if refresher != nil {
		refresher.Stop()
	}
	for _, manager := range metaManagers {
		manager.Close()
	}
	connPool.Clear()

	log.Printf("mysqlgate stopped")
}

// buildRouterInfo derives the router description the guidelines engine
// evaluates against.
func buildRouterInfo(cfg *config.Config) guidelines.RouterInfo {
	info := guidelines.RouterInfo{
		Name:         cfg.Router.Name,
		Hostname:     cfg.Router.Hostname,
		LocalCluster: cfg.Router.LocalCluster,
	}
	for _, route := range cfg.Routes {
		if !route.IsMetadataRoute() {
			continue
		}
		uri, err := endpoint.ParseMetadataURI(route.Destinations)
		if err != nil {
			continue
		}
		switch uri.Role {
		case endpoint.RolePrimary:
			info.PortRW = route.BindPort
		case endpoint.RoleSecondary:
			info.PortRO = route.BindPort
		case endpoint.RolePrimaryAndSecondary:
			info.PortRWSplit = route.BindPort
		}
		if info.BindAddress == "" {
			info.BindAddress = route.BindAddress
		}
	}
	return info
}

// defaultGuidelines builds the auto-generated guidelines document from
// the route configuration.
func defaultGuidelines(cfg *config.Config) (string, error) {
	var adapterRoutes []guidelines.AdapterRoute
	for name, route := range cfg.Routes {
		adapterRoute := guidelines.AdapterRoute{
			Name:        name,
			Role:        "PRIMARY_AND_SECONDARY",
			Strategy:    "round-robin",
			BindAddress: route.BindAddress,
			BindPort:    route.BindPort,
			Socket:      route.Socket != "",
		}
		if route.IsMetadataRoute() {
			if uri, err := endpoint.ParseMetadataURI(route.Destinations); err == nil {
				adapterRoute.Role = uri.Role.String()
			}
		}
		if route.Strategy == "first-available" {
			adapterRoute.Strategy = "first-available"
		}
		adapterRoutes = append(adapterRoutes, adapterRoute)
	}
	return guidelines.GenerateFromConfig(adapterRoutes)
}
