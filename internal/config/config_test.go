package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mysqlgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
router:
  name: gate-1
  local_cluster: c1
api:
  port: 9900
  api_key: secret
defaults:
  max_pooled_connections: 8
  idle_timeout: 30s
routes:
  rw:
    bind_address: 127.0.0.1
    bind_port: 6446
    destinations: metadata-cache://md/c1?role=PRIMARY
  ro:
    bind_port: 6447
    destinations: db1:3306,db2:3306
    strategy: round-robin
    access_mode: auto
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "gate-1", cfg.Router.Name)
	assert.Equal(t, 9900, cfg.API.Port)
	assert.Equal(t, uint32(8), cfg.Defaults.MaxPooledConnections)
	assert.Equal(t, 30*time.Second, cfg.Defaults.IdleTimeout)
	require.Len(t, cfg.Routes, 2)

	rw := cfg.Routes["rw"]
	assert.True(t, rw.IsMetadataRoute())
	ep, err := rw.ListenEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6446", ep.String())

	ro := cfg.Routes["ro"]
	assert.False(t, ro.IsMetadataRoute())
	ep, err = ro.ListenEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:6447", ep.String())
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
routes:
  ro:
    bind_port: 6447
    destinations: db1:3306
`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "127.0.0.1", cfg.API.Bind)
	assert.Equal(t, uint32(64), cfg.Defaults.MaxPooledConnections)
	assert.Equal(t, 5*time.Second, cfg.Defaults.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Defaults.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Defaults.PrimaryFailoverTimeout)
	assert.NotEmpty(t, cfg.Router.Hostname)
}

func TestEnvVarSubstitution(t *testing.T) {
	t.Setenv("MYSQLGATE_TEST_PORT", "6450")
	t.Setenv("MYSQLGATE_TEST_KEY", "hunter2")

	cfg, err := Load(writeConfig(t, `
api:
  api_key: ${MYSQLGATE_TEST_KEY}
routes:
  ro:
    bind_port: ${MYSQLGATE_TEST_PORT}
    destinations: db1:3306
`))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.API.APIKey)
	assert.Equal(t, uint16(6450), cfg.Routes["ro"].BindPort)
}

func TestEnvVarSubstitutionKeepsUnknown(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
api:
  api_key: ${MYSQLGATE_NO_SUCH_VAR}
routes:
  ro:
    bind_port: 6447
    destinations: db1:3306
`))
	require.NoError(t, err)
	assert.Equal(t, "${MYSQLGATE_NO_SUCH_VAR}", cfg.API.APIKey)
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"no routes": `
router:
  name: g
`,
		"missing destinations": `
routes:
  r:
    bind_port: 6446
`,
		"missing listener": `
routes:
  r:
    destinations: db1:3306
`,
		"socket and port are exclusive": `
routes:
  r:
    bind_port: 6446
    socket: /tmp/my.sock
    destinations: db1:3306
`,
		"bad metadata uri": `
routes:
  r:
    bind_port: 6446
    destinations: metadata-cache://md/c1?role=OBSERVER
`,
		"bad strategy": `
routes:
  r:
    bind_port: 6446
    destinations: db1:3306
    strategy: fastest
`,
		"bad access mode": `
routes:
  r:
    bind_port: 6446
    destinations: db1:3306
    access_mode: write-only
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestEffectiveAccessors(t *testing.T) {
	defaults := RouteDefaults{
		MaxPooledConnections:   16,
		IdleTimeout:            time.Minute,
		ConnectTimeout:         5 * time.Second,
		SharingDelay:           time.Second,
		PrimaryFailoverTimeout: 10 * time.Second,
	}

	var route RouteConfig
	assert.Equal(t, uint32(16), route.EffectiveMaxPooledConnections(defaults))
	assert.Equal(t, time.Minute, route.EffectiveIdleTimeout(defaults))
	assert.Equal(t, 5*time.Second, route.EffectiveConnectTimeout(defaults))
	assert.Equal(t, time.Second, route.EffectiveSharingDelay(defaults))
	assert.Equal(t, 10*time.Second, route.EffectivePrimaryFailoverTimeout(defaults))

	override := 2 * time.Second
	maxConns := uint32(4)
	route = RouteConfig{
		ConnectTimeout:       &override,
		MaxPooledConnections: &maxConns,
	}
	assert.Equal(t, override, route.EffectiveConnectTimeout(defaults))
	assert.Equal(t, maxConns, route.EffectiveMaxPooledConnections(defaults))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, validConfig)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(validConfig+`
guidelines_file: ""
`), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "gate-1", cfg.Router.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
}
