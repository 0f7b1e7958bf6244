package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mysqlgate/mysqlgate/internal/endpoint"
)

// Config is the top-level configuration for the router.
type Config struct {
	Router         RouterConfig           `yaml:"router"`
	API            APIConfig              `yaml:"api"`
	Defaults       RouteDefaults          `yaml:"defaults"`
	Routes         map[string]RouteConfig `yaml:"routes"`
	GuidelinesFile string                 `yaml:"guidelines_file"`
}

// RouterConfig names this router instance.
type RouterConfig struct {
	Name         string `yaml:"name"`
	Hostname     string `yaml:"hostname"`
	LocalCluster string `yaml:"local_cluster"`
}

// APIConfig defines the admin API listener.
type APIConfig struct {
	Port   int    `yaml:"port"`
	Bind   string `yaml:"bind"`
	APIKey string `yaml:"api_key"`
}

// RouteDefaults are applied when routes don't override.
type RouteDefaults struct {
	MaxPooledConnections   uint32        `yaml:"max_pooled_connections"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	SharingDelay           time.Duration `yaml:"sharing_delay"`
	QuarantineInterval     time.Duration `yaml:"quarantine_interval"`
	ResolveRefreshInterval time.Duration `yaml:"resolve_refresh_interval"`
	PrimaryFailoverTimeout time.Duration `yaml:"primary_failover_timeout"`
}

// RouteConfig holds the configuration of a single route.
type RouteConfig struct {
	BindAddress string `yaml:"bind_address"`
	BindPort    uint16 `yaml:"bind_port"`
	Socket      string `yaml:"socket"`

	// Destinations is either a comma separated static list
	// ("host[:port],local:/path") or a metadata-cache URI.
	Destinations string `yaml:"destinations"`
	Strategy     string `yaml:"strategy"`
	AccessMode   string `yaml:"access_mode"`

	ClientSSLMode string `yaml:"client_ssl_mode"`
	ServerSSLMode string `yaml:"server_ssl_mode"`

	ConnectTimeout         *time.Duration `yaml:"connect_timeout,omitempty"`
	MaxPooledConnections   *uint32        `yaml:"max_pooled_connections,omitempty"`
	IdleTimeout            *time.Duration `yaml:"idle_timeout,omitempty"`
	SharingDelay           *time.Duration `yaml:"sharing_delay,omitempty"`
	PrimaryFailoverTimeout *time.Duration `yaml:"primary_failover_timeout,omitempty"`
}

// EffectiveConnectTimeout returns the route's connect timeout or the
// default.
func (r RouteConfig) EffectiveConnectTimeout(defaults RouteDefaults) time.Duration {
	if r.ConnectTimeout != nil {
		return *r.ConnectTimeout
	}
	return defaults.ConnectTimeout
}

// EffectiveMaxPooledConnections returns the route's pool capacity or the
// default.
func (r RouteConfig) EffectiveMaxPooledConnections(defaults RouteDefaults) uint32 {
	if r.MaxPooledConnections != nil {
		return *r.MaxPooledConnections
	}
	return defaults.MaxPooledConnections
}

// EffectiveIdleTimeout returns the route's idle timeout or the default.
func (r RouteConfig) EffectiveIdleTimeout(defaults RouteDefaults) time.Duration {
	if r.IdleTimeout != nil {
		return *r.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveSharingDelay returns the route's stash sharing delay or the
// default.
func (r RouteConfig) EffectiveSharingDelay(defaults RouteDefaults) time.Duration {
	if r.SharingDelay != nil {
		return *r.SharingDelay
	}
	return defaults.SharingDelay
}

// EffectivePrimaryFailoverTimeout returns the route's failover timeout or
// the default.
func (r RouteConfig) EffectivePrimaryFailoverTimeout(defaults RouteDefaults) time.Duration {
	if r.PrimaryFailoverTimeout != nil {
		return *r.PrimaryFailoverTimeout
	}
	return defaults.PrimaryFailoverTimeout
}

// IsMetadataRoute reports whether the route consumes the metadata cache.
func (r RouteConfig) IsMetadataRoute() bool {
	return endpoint.IsMetadataURI(r.Destinations)
}

// ListenEndpoint returns the endpoint the route listens on.
func (r RouteConfig) ListenEndpoint() (endpoint.Endpoint, error) {
	if r.Socket != "" {
		if runtime.GOOS == "windows" {
			return endpoint.Endpoint{}, fmt.Errorf("local sockets are not supported on windows")
		}
		return endpoint.Local(r.Socket), nil
	}
	addr := r.BindAddress
	if addr == "" {
		addr = "0.0.0.0"
	}
	if r.BindPort == 0 {
		return endpoint.Endpoint{}, fmt.Errorf("bind_port is required")
	}
	return endpoint.TCP(addr, r.BindPort), nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.Defaults.MaxPooledConnections == 0 {
		cfg.Defaults.MaxPooledConnections = 64
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Second
	}
	if cfg.Defaults.ConnectTimeout == 0 {
		cfg.Defaults.ConnectTimeout = 5 * time.Second
	}
	if cfg.Defaults.SharingDelay == 0 {
		cfg.Defaults.SharingDelay = 1 * time.Second
	}
	if cfg.Defaults.QuarantineInterval == 0 {
		cfg.Defaults.QuarantineInterval = 1 * time.Second
	}
	if cfg.Defaults.ResolveRefreshInterval == 0 {
		cfg.Defaults.ResolveRefreshInterval = 60 * time.Second
	}
	if cfg.Defaults.PrimaryFailoverTimeout == 0 {
		cfg.Defaults.PrimaryFailoverTimeout = 10 * time.Second
	}
	if cfg.Router.Hostname == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Router.Hostname = hostname
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("no routes configured")
	}
	for name, route := range cfg.Routes {
		if route.Destinations == "" {
			return fmt.Errorf("route %q: destinations is required", name)
		}
		if route.Socket == "" && route.BindPort == 0 {
			return fmt.Errorf("route %q: either socket or bind_port is required", name)
		}
		if route.Socket != "" && route.BindPort != 0 {
			return fmt.Errorf("route %q: socket and bind_port are mutually exclusive", name)
		}
		if route.IsMetadataRoute() {
			if _, err := endpoint.ParseMetadataURI(route.Destinations); err != nil {
				return fmt.Errorf("route %q: %w", name, err)
			}
		} else {
			if _, err := endpoint.ParseStaticList(route.Destinations, 3306); err != nil {
				return fmt.Errorf("route %q: %w", name, err)
			}
			switch route.Strategy {
			case "", "round-robin", "first-available", "next-available":
			default:
				return fmt.Errorf("route %q: unsupported strategy %q", name, route.Strategy)
			}
		}
		switch strings.ToLower(route.AccessMode) {
		case "", "auto":
		default:
			return fmt.Errorf("route %q: unsupported access_mode %q", name, route.AccessMode)
		}
	}
	return nil
}

// Watcher watches the config file (and optionally the guidelines
// document file) for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher. Additional paths (like
// the guidelines document) may be watched too; their changes also trigger
// the callback with a freshly loaded config.
func NewWatcher(path string, callback func(*Config), extraPaths ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	for _, extra := range extraPaths {
		if extra == "" {
			continue
		}
		if err := w.Add(extra); err != nil {
			log.Printf("[config] cannot watch %s: %v", extra, err)
		}
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
