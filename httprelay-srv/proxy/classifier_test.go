package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codefionn/httprelay/httprelay-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classify(t *testing.T, c Classifier, host string, port int) bool {
	t.Helper()
	ok, err := c.Classify(ClassifierInput{host: host, port: port})
	require.NoError(t, err)
	return ok
}

func TestCompileDomainClassifiers(t *testing.T) {
	tests := []struct {
		name  string
		op    config.ClassifierOp
		host  string
		match bool
	}{
		{"equal", config.ClassifierOpEqual, "example.com", true},
		{"equal other", config.ClassifierOpEqual, "www.example.com", false},
		{"not equal", config.ClassifierOpNotEqual, "other.com", true},
		{"contains", config.ClassifierOpContains, "api.example.com.cdn", true},
		{"not contains", config.ClassifierOpNotContains, "other.com", true},
		{"is self", config.ClassifierOpIs, "example.com", true},
		{"is subdomain", config.ClassifierOpIs, "a.b.example.com", true},
		{"is lookalike", config.ClassifierOpIs, "badexample.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := CompileClassifier(&config.ClassifierDomain{Op: tt.op, Domain: "example.com"})
			require.NoError(t, err)
			assert.Equal(t, tt.match, classify(t, c, tt.host, 80))
		})
	}
}

func TestCompileLogicalClassifiers(t *testing.T) {
	c, err := CompileClassifier(&config.ClassifierAnd{Classifiers: []config.Classifier{
		&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "example.com"},
		&config.ClassifierNot{Classifier: &config.ClassifierPort{Port: 8080}},
	}})
	require.NoError(t, err)

	assert.True(t, classify(t, c, "www.example.com", 80))
	assert.False(t, classify(t, c, "www.example.com", 8080))
	assert.False(t, classify(t, c, "other.com", 80))

	always, err := CompileClassifier(&config.ClassifierTrue{})
	require.NoError(t, err)
	assert.True(t, classify(t, always, "anything", 1))

	never, err := CompileClassifier(&config.ClassifierFalse{})
	require.NoError(t, err)
	assert.False(t, classify(t, never, "anything", 1))
}

func TestOrClassifierOptimization(t *testing.T) {
	equal, err := CompileClassifier(&config.ClassifierOr{Classifiers: []config.Classifier{
		&config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "a.com"},
		&config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "b.com"},
	}})
	require.NoError(t, err)
	require.IsType(t, &ClassifierOrDomains{}, equal)
	assert.True(t, classify(t, equal, "b.com", 80))
	assert.False(t, classify(t, equal, "www.b.com", 80))

	is, err := CompileClassifier(&config.ClassifierOr{Classifiers: []config.Classifier{
		&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "a.com"},
		&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "b.com"},
	}})
	require.NoError(t, err)
	require.IsType(t, &ClassifierDomains{}, is)
	assert.True(t, classify(t, is, "www.b.com", 80))
	assert.False(t, classify(t, is, "c.com", 80))

	mixed, err := CompileClassifier(&config.ClassifierOr{Classifiers: []config.Classifier{
		&config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "a.com"},
		&config.ClassifierPort{Port: 443},
	}})
	require.NoError(t, err)
	require.IsType(t, &ClassifierOr{}, mixed)
	assert.True(t, classify(t, mixed, "x.com", 443))
}

func TestDomainsClassifierFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.txt")
	content := "# blocklist\n0.0.0.0 ads.example.net\n*.tracker.org ; wildcard\n\nplain.io\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := CompileClassifier(&config.ClassifierDomains{Domains: []string{"inline.dev"}, FilePath: path})
	require.NoError(t, err)

	domains := c.(*ClassifierDomains)
	assert.ElementsMatch(t, []string{"inline.dev", "ads.example.net", "tracker.org", "plain.io"}, domains.DomainList)

	assert.True(t, classify(t, c, "ads.example.net", 80))
	assert.True(t, classify(t, c, "cdn.tracker.org", 80))
	assert.True(t, classify(t, c, "inline.dev", 80))
	assert.False(t, classify(t, c, "example.net", 80))
	assert.False(t, classify(t, c, "notplain.io", 80))
}

func TestDomainsClassifierMissingFile(t *testing.T) {
	_, err := CompileClassifier(&config.ClassifierDomains{FilePath: filepath.Join(t.TempDir(), "missing.txt")})
	assert.Error(t, err)
}

func TestClassifierRefs(t *testing.T) {
	refs, err := CompileClassifiersMap(map[string]config.Classifier{
		"internal": &config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "corp.local"},
		"wrapper":  &config.ClassifierRef{Id: "internal"},
	})
	require.NoError(t, err)

	assert.True(t, classify(t, refs["wrapper"], "git.corp.local", 80))
	assert.False(t, classify(t, refs["wrapper"], "example.com", 80))

	dangling, err := CompileClassifier(&config.ClassifierRef{Id: "nope"})
	require.NoError(t, err)
	_, err = dangling.Classify(ClassifierInput{host: "x", port: 80})
	require.Error(t, err)
	assert.Equal(t, ErrCodeClassifierError, ErrorCode(err))
}

func TestRouterSelectsFirstMatch(t *testing.T) {
	socks := &config.ForwardSocks5{
		ClassifierData: &config.ClassifierRef{Id: "internal"},
		Address:        "127.0.0.1:1080",
	}
	httpProxy := &config.ForwardProxy{
		ClassifierData: &config.ClassifierPort{Port: 8080},
		Address:        "127.0.0.1:3128",
	}
	direct := &config.ForwardDefaultNetwork{
		ClassifierData: &config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "direct.example"},
	}

	cfg := config.Default()
	cfg.Classifiers = map[string]config.Classifier{
		"internal": &config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "corp.local"},
	}
	cfg.Forwards = []config.Forward{socks, httpProxy, direct}

	router, err := NewRouter(cfg)
	require.NoError(t, err)

	assert.Same(t, socks, router.Select(Endpoint{"git.corp.local", 8080}))
	assert.Same(t, httpProxy, router.Select(Endpoint{"example.com", 8080}))
	assert.Same(t, direct, router.Select(Endpoint{"direct.example", 80}))
	assert.Nil(t, router.Select(Endpoint{"example.com", 80}))

	var none *Router
	assert.Nil(t, none.Select(Endpoint{"example.com", 80}))
}

func TestRouterSkipsBrokenForward(t *testing.T) {
	cfg := config.Default()
	cfg.Forwards = []config.Forward{
		&config.ForwardSocks5{
			ClassifierData: &config.ClassifierDomains{FilePath: filepath.Join(t.TempDir(), "missing.txt")},
			Address:        "127.0.0.1:1080",
		},
	}

	router, err := NewRouter(cfg)
	require.NoError(t, err)
	assert.Nil(t, router.Select(Endpoint{"example.com", 80}))
}
