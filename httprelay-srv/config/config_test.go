package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTempConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const fullJSON = `{
  "servers": [
    {"listen-address": "127.0.0.1:3128", "enabled": true, "max-connections": 50},
    {"listen-address": "127.0.0.1:3129", "enabled": false}
  ],
  "timeout-seconds": 12,
  "keep-alive": false,
  "log-level": "debug",
  "classifiers": {
    "internal": {"type": "domain", "op": "is", "domain": "corp.example"}
  },
  "forwards": [
    {
      "type": "socks5",
      "address": "127.0.0.1:1080",
      "username": "relay",
      "password": {"_secret": "HTTPRELAY_TEST_SOCKS_PASSWORD"},
      "classifier": {"type": "ref", "id": "internal"}
    },
    {"type": "proxy", "address": "upstream.example:8080", "classifier": {"type": "port", "port": 8080}},
    {"type": "default-network"}
  ],
  "interception": {
    "enabled": true,
    "log": true,
    "queue-size": 64,
    "redis": {"address": "127.0.0.1:6379", "db": 2, "channel": "relay-events"}
  },
  "statistics": {"enabled": true, "backend": "sqlite", "sqlite-path": "relay.db"},
  "metrics": {"listen-address": "127.0.0.1:9090"}
}`

const fullHCL = `
servers = [
  {
    listen-address  = "127.0.0.1:3128"
    enabled         = true
    max-connections = 50
  },
  {
    listen-address = "127.0.0.1:3129"
    enabled        = false
  }
]
timeout-seconds = 12
keep-alive      = false
log-level       = "debug"

classifiers = {
  internal = {
    type   = "domain"
    op     = "is"
    domain = "corp.example"
  }
}

forwards = [
  {
    type       = "socks5"
    address    = "127.0.0.1:1080"
    username   = "relay"
    password   = { _secret = "HTTPRELAY_TEST_SOCKS_PASSWORD" }
    classifier = { type = "ref", id = "internal" }
  },
  {
    type       = "proxy"
    address    = "upstream.example:8080"
    classifier = { type = "port", port = 8080 }
  },
  {
    type = "default-network"
  }
]

interception = {
  enabled    = true
  log        = true
  queue-size = 64
  redis = {
    address = "127.0.0.1:6379"
    db      = 2
    channel = "relay-events"
  }
}

statistics = {
  enabled     = true
  backend     = "sqlite"
  sqlite-path = "relay.db"
}

metrics = {
  listen-address = "127.0.0.1:9090"
}
`

func assertFullConfig(t *testing.T, cfg *Config) {
	t.Helper()

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, ServerConfig{ListenAddress: "127.0.0.1:3128", Enabled: true, MaxConnections: 50}, cfg.Servers[0])
	assert.False(t, cfg.Servers[1].Enabled)
	assert.Equal(t, 100, cfg.Servers[1].MaxConnections, "unset fields keep their defaults")

	assert.Equal(t, 12, cfg.TimeoutSeconds)
	assert.False(t, cfg.KeepAlive)
	assert.Equal(t, "debug", cfg.LogLevel)

	domain, ok := cfg.Classifiers["internal"].(*ClassifierDomain)
	require.True(t, ok)
	assert.Equal(t, ClassifierOpIs, domain.Op)
	assert.Equal(t, "corp.example", domain.Domain)

	require.Len(t, cfg.Forwards, 3)
	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1080", socks.Address)
	require.NotNil(t, socks.Username)
	require.NotNil(t, socks.Password)
	assert.Equal(t, "relay", *socks.Username)
	assert.Equal(t, "s3cret", *socks.Password)
	assert.Equal(t, &ClassifierRef{Id: "internal"}, socks.Classifier())

	httpProxy, ok := cfg.Forwards[1].(*ForwardProxy)
	require.True(t, ok)
	assert.Equal(t, &ClassifierPort{Port: 8080}, httpProxy.Classifier())

	direct, ok := cfg.Forwards[2].(*ForwardDefaultNetwork)
	require.True(t, ok)
	assert.Equal(t, &ClassifierTrue{}, direct.Classifier())

	assert.Equal(t, InterceptionConfig{
		Enabled:   true,
		Log:       true,
		QueueSize: 64,
		Redis:     RedisConfig{Address: "127.0.0.1:6379", DB: 2, Channel: "relay-events"},
	}, cfg.Interception)
	assert.Equal(t, StatisticsConfig{Enabled: true, Backend: BackendSQLite, SQLitePath: "relay.db"}, cfg.Statistics)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.ListenAddress)
}

func TestLoadConfigJSON(t *testing.T) {
	t.Setenv("HTTPRELAY_TEST_SOCKS_PASSWORD", "s3cret")
	cfg, err := LoadConfig(createTempConfigFile(t, "relay.json", fullJSON))
	require.NoError(t, err)
	assertFullConfig(t, cfg)
}

func TestLoadConfigHCL(t *testing.T) {
	t.Setenv("HTTPRELAY_TEST_SOCKS_PASSWORD", "s3cret")
	cfg, err := LoadConfig(createTempConfigFile(t, "relay.hcl", fullHCL))
	require.NoError(t, err)
	assertFullConfig(t, cfg)
}

func TestLoadConfigHCLParityWithJSON(t *testing.T) {
	t.Setenv("HTTPRELAY_TEST_SOCKS_PASSWORD", "s3cret")
	fromJSON, err := LoadConfig(createTempConfigFile(t, "relay.json", fullJSON))
	require.NoError(t, err)
	fromHCL, err := LoadConfig(createTempConfigFile(t, "relay.hcl", fullHCL))
	require.NoError(t, err)
	assert.False(t, HasChanged(fromJSON, fromHCL))
}

func TestLoadConfigHCLEnvFunction(t *testing.T) {
	t.Setenv("HTTPRELAY_TEST_LISTEN", "0.0.0.0:8888")
	cfg, err := LoadConfig(createTempConfigFile(t, "env.hcl", `
listen-address  = env("HTTPRELAY_TEST_LISTEN")
log-level       = env("HTTPRELAY_TEST_UNSET_LEVEL", "warn")
`))
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "0.0.0.0:8888", cfg.Servers[0].ListenAddress)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfigHCLSyntaxError(t *testing.T) {
	_, err := LoadConfig(createTempConfigFile(t, "broken.hcl", `servers = [`))
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "127.0.0.1:8080", cfg.Servers[0].ListenAddress)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.True(t, cfg.KeepAlive)
	assert.Equal(t, BackendDummy, cfg.Statistics.Backend)
	assert.Equal(t, 1024, cfg.Interception.QueueSize)
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	_, err := LoadConfig(createTempConfigFile(t, "relay.yaml", "servers: []"))
	assert.ErrorContains(t, err, "unsupported config file format")
}

func TestLoadConfigMissingSecret(t *testing.T) {
	_, err := LoadConfig(createTempConfigFile(t, "secret.json", `{
  "forwards": [{"type": "socks5", "address": {"_secret": "HTTPRELAY_TEST_NOT_SET"}}]
}`))
	assert.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HTTPRELAY_TIMEOUTSECONDS", "7")
	t.Setenv("HTTPRELAY_KEEPALIVE", "false")
	t.Setenv("HTTPRELAY_SERVER_0_LISTENADDRESS", "127.0.0.1:9999")
	t.Setenv("HTTPRELAY_SERVER_1_LISTENADDRESS", "127.0.0.1:9998")
	t.Setenv("HTTPRELAY_SERVER_1_MAXCONNECTIONS", "5")
	t.Setenv("HTTPRELAY_INTERCEPT", "1")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TimeoutSeconds)
	assert.False(t, cfg.KeepAlive)
	assert.True(t, cfg.Interception.Enabled)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "127.0.0.1:9999", cfg.Servers[0].ListenAddress)
	assert.Equal(t, "127.0.0.1:9998", cfg.Servers[1].ListenAddress)
	assert.Equal(t, 5, cfg.Servers[1].MaxConnections)
}

func TestLoadConfigListenAddressEnv(t *testing.T) {
	t.Setenv("HTTPRELAY_LISTENADDRESS", "0.0.0.0:3128")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "0.0.0.0:3128", cfg.Servers[0].ListenAddress)
}

func TestFileOverridesEnv(t *testing.T) {
	t.Setenv("HTTPRELAY_TIMEOUTSECONDS", "7")
	cfg, err := LoadConfig(createTempConfigFile(t, "relay.json", `{"timeout-seconds": 3}`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.TimeoutSeconds)
}

func TestParseClassifiers(t *testing.T) {
	cfg, err := LoadConfig(createTempConfigFile(t, "classifiers.json", `{
  "classifiers": {
    "web": {"type": "or", "classifiers": [
      {"type": "port", "port": 80},
      {"type": "port", "port": "8080"}
    ]},
    "blocked": {"type": "and", "classifiers": [
      {"type": "ref", "id": "web"},
      {"type": "not", "classifier": {"type": "domain", "op": "contains", "domain": "safe"}}
    ]},
    "ads": {"type": "domains", "domains": ["ads.example", "tracker.example"]},
    "never": {"type": "false"}
  }
}`))
	require.NoError(t, err)

	assert.Equal(t, &ClassifierOr{Classifiers: []Classifier{
		&ClassifierPort{Port: 80}, &ClassifierPort{Port: 8080},
	}}, cfg.Classifiers["web"])

	blocked, ok := cfg.Classifiers["blocked"].(*ClassifierAnd)
	require.True(t, ok)
	require.Len(t, blocked.Classifiers, 2)
	not, ok := blocked.Classifiers[1].(*ClassifierNot)
	require.True(t, ok)
	assert.Equal(t, &ClassifierDomain{Op: ClassifierOpContains, Domain: "safe"}, not.Classifier)

	assert.Equal(t, &ClassifierDomains{Domains: []string{"ads.example", "tracker.example"}}, cfg.Classifiers["ads"])
	assert.Equal(t, &ClassifierFalse{}, cfg.Classifiers["never"])
}

func TestParseClassifierErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing type", `{"classifiers": {"x": {"port": 1}}}`},
		{"unknown type", `{"classifiers": {"x": {"type": "ip"}}}`},
		{"not without inner", `{"classifiers": {"x": {"type": "not"}}}`},
		{"empty domains", `{"classifiers": {"x": {"type": "domains"}}}`},
		{"unknown forward", `{"forwards": [{"type": "quic"}]}`},
		{"forward without address", `{"forwards": [{"type": "proxy"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(createTempConfigFile(t, "bad.json", tt.content))
			assert.Error(t, err)
		})
	}
}
