package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no servers", func(c *Config) { c.Servers = nil }, true},
		{"bad listen address", func(c *Config) { c.Servers[0].ListenAddress = "localhost" }, true},
		{"port out of range", func(c *Config) { c.Servers[0].ListenAddress = "127.0.0.1:70000" }, true},
		{"wildcard host", func(c *Config) { c.Servers[0].ListenAddress = ":3128" }, false},
		{"zero timeout", func(c *Config) { c.TimeoutSeconds = 0 }, true},
		{"negative keep-alive", func(c *Config) { c.KeepAliveSeconds = -1 }, true},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }, true},
		{"lower-case log level", func(c *Config) { c.LogLevel = "debug" }, false},
		{"queue size", func(c *Config) { c.Interception.QueueSize = -5 }, true},
		{"redis without channel", func(c *Config) { c.Interception.Redis.Address = "127.0.0.1:6379" }, true},
		{"unknown backend", func(c *Config) { c.Statistics.Backend = "mysql" }, true},
		{"sqlite without path", func(c *Config) {
			c.Statistics = StatisticsConfig{Enabled: true, Backend: BackendSQLite}
		}, true},
		{"postgres with dsn", func(c *Config) {
			c.Statistics = StatisticsConfig{Enabled: true, Backend: BackendPostgres, PostgresDSN: "postgres://localhost/relay"}
		}, false},
		{"bad metrics address", func(c *Config) { c.Metrics.ListenAddress = "metrics" }, true},
		{"socks5 without address", func(c *Config) { c.Forwards = []Forward{&ForwardSocks5{}} }, true},
		{"proxy address", func(c *Config) { c.Forwards = []Forward{&ForwardProxy{Address: "proxy.example:3128"}} }, false},
		{"port classifier range", func(c *Config) {
			c.Forwards = []Forward{&ForwardDefaultNetwork{ClassifierData: &ClassifierPort{Port: 70000}}}
		}, true},
		{"unknown ref", func(c *Config) {
			c.Forwards = []Forward{&ForwardDefaultNetwork{ClassifierData: &ClassifierRef{Id: "missing"}}}
		}, true},
		{"ref cycle", func(c *Config) {
			c.Classifiers = map[string]Classifier{
				"a": &ClassifierRef{Id: "b"},
				"b": &ClassifierNot{Classifier: &ClassifierRef{Id: "a"}},
			}
		}, true},
		{"shared ref", func(c *Config) {
			c.Classifiers = map[string]Classifier{
				"base": &ClassifierDomain{Domain: "example.com"},
				"both": &ClassifierAnd{Classifiers: []Classifier{
					&ClassifierRef{Id: "base"}, &ClassifierRef{Id: "base"},
				}},
			}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKeepAlivePeriod(t *testing.T) {
	cfg := Default()
	cfg.KeepAliveSeconds = 15
	assert.Equal(t, 15*time.Second, cfg.KeepAlivePeriod())

	cfg.KeepAlive = false
	assert.Less(t, cfg.KeepAlivePeriod(), time.Duration(0))
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout())
}
