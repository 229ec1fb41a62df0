package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/logger"
)

// ServerConfig defines configuration for a single listening proxy instance
type ServerConfig struct {
	ListenAddress  string // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled        bool   // Whether this server is enabled
	MaxConnections int    // Maximum concurrent client connections, 0 for unlimited
}

// RedisConfig configures the Redis interception sink.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// InterceptionConfig defines where observed messages are delivered.
type InterceptionConfig struct {
	Enabled   bool        // Whether the interceptor stage notifies any sink
	Log       bool        // Log every observed head at debug level
	Record    bool        // Record heads in the statistics backend
	QueueSize int         // Capacity of the asynchronous listener queue
	Redis     RedisConfig // Publish heads to Redis when Address is set
}

// StatisticsConfig selects the statistics backend.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres or dummy
	SQLitePath  string
	PostgresDSN string
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddress string // Empty disables the metrics listener
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers          []ServerConfig
	TimeoutSeconds   int  // Outbound connect timeout (including upstream handshake)
	KeepAlive        bool // Enable TCP keep-alive on outbound connections
	KeepAliveSeconds int  // Keep-alive probe period, 0 for the OS default
	LogLevel         string
	Classifiers      map[string]Classifier
	Forwards         []Forward
	Interception     InterceptionConfig
	Statistics       StatisticsConfig
	Metrics          MetricsConfig
}

// ConnectTimeout returns the configured connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// KeepAlivePeriod returns the keep-alive probe period for net.Dialer: a
// negative value disables keep-alive, zero uses the OS default.
func (c *Config) KeepAlivePeriod() time.Duration {
	if !c.KeepAlive {
		return -1
	}
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork connects directly.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 chains through a SOCKS5 proxy.
	ForwardTypeSocks5
	// ForwardTypeProxy chains through an HTTP proxy using CONNECT.
	ForwardTypeProxy
)

// Forward defines the interface for forwarding configurations.
type Forward interface {
	Type() ForwardType
	Classifier() Classifier
}

// ForwardDefaultNetwork represents default network forwarding configuration.
type ForwardDefaultNetwork struct {
	ClassifierData Classifier
	ForceIPv4      bool
}

func (c *ForwardDefaultNetwork) Type() ForwardType { return ForwardTypeDefaultNetwork }

// Classifier returns the classifier for this forwarding rule.
func (c *ForwardDefaultNetwork) Classifier() Classifier {
	if c.ClassifierData == nil {
		return &ClassifierTrue{}
	}
	return c.ClassifierData
}

// ForwardSocks5 represents SOCKS5 proxy forwarding configuration.
type ForwardSocks5 struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool
}

func (c *ForwardSocks5) Type() ForwardType { return ForwardTypeSocks5 }

// Classifier returns the classifier for this forwarding rule.
func (c *ForwardSocks5) Classifier() Classifier {
	if c.ClassifierData == nil {
		return &ClassifierTrue{}
	}
	return c.ClassifierData
}

// ForwardProxy represents HTTP proxy forwarding configuration.
type ForwardProxy struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool
}

func (c *ForwardProxy) Type() ForwardType { return ForwardTypeProxy }

// Classifier returns the classifier for this forwarding rule.
func (c *ForwardProxy) Classifier() Classifier {
	if c.ClassifierData == nil {
		return &ClassifierTrue{}
	}
	return c.ClassifierData
}

func defaultServer() ServerConfig {
	return ServerConfig{
		ListenAddress:  "127.0.0.1:8080",
		Enabled:        true,
		MaxConnections: 100,
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Servers:        []ServerConfig{defaultServer()},
		TimeoutSeconds: 30,
		KeepAlive:      true,
		LogLevel:       "INFO",
		Classifiers:    make(map[string]Classifier),
		Interception: InterceptionConfig{
			QueueSize: 1024,
		},
		Statistics: StatisticsConfig{
			Backend: "dummy",
		},
	}
}

// LoadConfig loads configuration from the specified file path. Defaults are
// applied first, then environment variables, then the file. The result is
// validated before it is returned.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var data map[string]any
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			data, err = readJSONConfig(configPath)
		case ".hcl":
			data, err = readHCLConfig(configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, err
		}

		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func readJSONConfig(configPath string) (map[string]any, error) {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first so hyphenated keys and secret references can
	// be handled the same way for JSON and HCL.
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// applyConfigMap maps the generic document onto cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		cfg.Servers = []ServerConfig{}
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := defaultServer()
			server.ListenAddress = ""

			if addrVal, exists := serverMap["listen-address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
				}
				server.ListenAddress = *ptr
			}
			if enabledVal, exists := serverMap["enabled"]; exists {
				ptr, err := parseValue[bool](enabledVal)
				if err != nil {
					return fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
				}
				server.Enabled = *ptr
			}
			if maxConnsVal, exists := serverMap["max-connections"]; exists {
				ptr, err := parseValue[int](maxConnsVal)
				if err != nil {
					return fmt.Errorf("max-connections at index %d must be an integer: %w", i, err)
				}
				server.MaxConnections = *ptr
			}

			cfg.Servers = append(cfg.Servers, server)
		}
	}

	// A bare listen-address creates a single server.
	if val, exists := data["listen-address"]; exists && len(cfg.Servers) <= 1 {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-address must be a string: %w", err)
		}
		server := defaultServer()
		server.ListenAddress = *ptr
		cfg.Servers = []ServerConfig{server}
	}

	if err := setField(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := setField(data, "keep-alive", &cfg.KeepAlive); err != nil {
		return err
	}
	if err := setField(data, "keep-alive-seconds", &cfg.KeepAliveSeconds); err != nil {
		return err
	}
	if err := setField(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}

	if classifiers, ok := data["classifiers"].(map[string]any); ok && classifiers != nil {
		cfg.Classifiers = make(map[string]Classifier, len(classifiers))
		for key, classifier := range classifiers {
			classifierMap, ok := classifier.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid classifier format for %s", key)
			}
			newClassifier, err := parseClassifier(classifierMap)
			if err != nil {
				return fmt.Errorf("classifier %s: %w", key, err)
			}
			cfg.Classifiers[key] = newClassifier
		}
	}

	if forwards, ok := data["forwards"].([]any); ok && forwards != nil {
		cfg.Forwards = nil
		for i, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid forward format at index %d", i)
			}
			newForward, err := parseForward(forwardMap)
			if err != nil {
				return fmt.Errorf("forward at index %d: %w", i, err)
			}
			cfg.Forwards = append(cfg.Forwards, newForward)
		}
	}

	if interception, ok := data["interception"].(map[string]any); ok {
		ic := &cfg.Interception
		if err := setField(interception, "enabled", &ic.Enabled); err != nil {
			return err
		}
		if err := setField(interception, "log", &ic.Log); err != nil {
			return err
		}
		if err := setField(interception, "record", &ic.Record); err != nil {
			return err
		}
		if err := setField(interception, "queue-size", &ic.QueueSize); err != nil {
			return err
		}
		if redis, ok := interception["redis"].(map[string]any); ok {
			if err := setField(redis, "address", &ic.Redis.Address); err != nil {
				return err
			}
			if err := setField(redis, "password", &ic.Redis.Password); err != nil {
				return err
			}
			if err := setField(redis, "db", &ic.Redis.DB); err != nil {
				return err
			}
			if err := setField(redis, "channel", &ic.Redis.Channel); err != nil {
				return err
			}
		}
	}

	if statistics, ok := data["statistics"].(map[string]any); ok {
		sc := &cfg.Statistics
		if err := setField(statistics, "enabled", &sc.Enabled); err != nil {
			return err
		}
		if err := setField(statistics, "backend", &sc.Backend); err != nil {
			return err
		}
		if err := setField(statistics, "sqlite-path", &sc.SQLitePath); err != nil {
			return err
		}
		if err := setField(statistics, "postgres-dsn", &sc.PostgresDSN); err != nil {
			return err
		}
	}

	if metrics, ok := data["metrics"].(map[string]any); ok {
		if err := setField(metrics, "listen-address", &cfg.Metrics.ListenAddress); err != nil {
			return err
		}
	}

	return nil
}

// setField assigns data[key] to dst when present.
func setField[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s has an invalid value: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	var classifier Classifier
	if classifierData, ok := forwardMap["classifier"].(map[string]any); ok {
		var err error
		classifier, err = parseClassifier(classifierData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse classifier for %s forward: %w", forwardType, err)
		}
	}

	var forceIPv4 bool
	if err := setField(forwardMap, "force-ipv4", &forceIPv4); err != nil {
		return nil, err
	}

	switch forwardType {
	case "default-network":
		return &ForwardDefaultNetwork{ClassifierData: classifier, ForceIPv4: forceIPv4}, nil

	case "socks5", "proxy":
		address, err := parseValue[string](forwardMap["address"])
		if err != nil {
			return nil, fmt.Errorf("%s forward requires address field", forwardType)
		}
		var username, password *string
		if v, err := parseValue[string](forwardMap["username"]); err == nil {
			username = v
		}
		if v, err := parseValue[string](forwardMap["password"]); err == nil {
			password = v
		}
		if forwardType == "socks5" {
			return &ForwardSocks5{ClassifierData: classifier, Address: *address,
				Username: username, Password: password, ForceIPv4: forceIPv4}, nil
		}
		return &ForwardProxy{ClassifierData: classifier, Address: *address,
			Username: username, Password: password, ForceIPv4: forceIPv4}, nil
	}
	return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func parseClassifiers(list any) ([]Classifier, error) {
	items, ok := list.([]any)
	if !ok {
		return nil, nil
	}
	out := make([]Classifier, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("nested classifier must be an object")
		}
		c, err := parseClassifier(m)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseClassifier(classifierMap map[string]any) (Classifier, error) {
	classifierType, ok := classifierMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing classifier type")
	}

	switch classifierType {
	case "and":
		list, err := parseClassifiers(classifierMap["classifiers"])
		if err != nil {
			return nil, err
		}
		return &ClassifierAnd{Classifiers: list}, nil
	case "or":
		list, err := parseClassifiers(classifierMap["classifiers"])
		if err != nil {
			return nil, err
		}
		return &ClassifierOr{Classifiers: list}, nil
	case "not":
		inner, ok := classifierMap["classifier"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("not classifier requires a 'classifier' field")
		}
		c, err := parseClassifier(inner)
		if err != nil {
			return nil, err
		}
		return &ClassifierNot{Classifier: c}, nil
	case "domain":
		domainClassifier := &ClassifierDomain{}
		if domain, ok := classifierMap["domain"].(string); ok {
			domainClassifier.Domain = domain
		}
		if op, ok := classifierMap["op"].(string); ok {
			domainClassifier.Op = parseClassifierOp(op)
		}
		return domainClassifier, nil
	case "domains":
		clf := &ClassifierDomains{}
		if list, ok := classifierMap["domains"].([]any); ok {
			for _, d := range list {
				s, ok := d.(string)
				if !ok {
					return nil, fmt.Errorf("domains classifier entries must be strings")
				}
				clf.Domains = append(clf.Domains, s)
			}
		}
		if file, ok := classifierMap["file"].(string); ok {
			clf.FilePath = file
		}
		if len(clf.Domains) == 0 && clf.FilePath == "" {
			return nil, fmt.Errorf("domains classifier requires 'domains' or 'file'")
		}
		return clf, nil
	case "port":
		port, err := parseValue[int](classifierMap["port"])
		if err != nil {
			return nil, fmt.Errorf("port classifier requires a numeric 'port': %w", err)
		}
		return &ClassifierPort{Port: *port}, nil
	case "ref":
		refClassifier := &ClassifierRef{}
		if id, ok := classifierMap["id"].(string); ok {
			refClassifier.Id = id
		}
		return refClassifier, nil
	case "true":
		return &ClassifierTrue{}, nil
	case "false":
		return &ClassifierFalse{}, nil
	}
	return nil, fmt.Errorf("unsupported classifier type: %s", classifierType)
}

func parseClassifierOp(op string) ClassifierOp {
	switch op {
	case "equal":
		return ClassifierOpEqual
	case "not-equal":
		return ClassifierOpNotEqual
	case "is":
		return ClassifierOpIs
	case "contains":
		return ClassifierOpContains
	case "not-contains":
		return ClassifierOpNotContains
	default:
		return ClassifierOpEqual
	}
}

func envBool(value string) bool {
	return strings.EqualFold(value, "true") || value == "1"
}

func loadConfigFromEnv(cfg *Config) {
	if timeoutStr := os.Getenv("HTTPRELAY_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for HTTPRELAY_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if keepAlive := os.Getenv("HTTPRELAY_KEEPALIVE"); keepAlive != "" {
		cfg.KeepAlive = envBool(keepAlive)
	}

	if level := os.Getenv("HTTPRELAY_LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if intercept := os.Getenv("HTTPRELAY_INTERCEPT"); intercept != "" {
		cfg.Interception.Enabled = envBool(intercept)
	}

	if metricsAddr := os.Getenv("HTTPRELAY_METRICSADDRESS"); metricsAddr != "" {
		cfg.Metrics.ListenAddress = metricsAddr
	}

	if redisAddr := os.Getenv("HTTPRELAY_REDISADDRESS"); redisAddr != "" {
		cfg.Interception.Redis.Address = redisAddr
	}

	if addr := os.Getenv("HTTPRELAY_LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			server := defaultServer()
			server.ListenAddress = addr
			cfg.Servers = []ServerConfig{server}
		} else {
			cfg.Servers[0].ListenAddress = addr
		}
	}

	// Example format: HTTPRELAY_SERVER_1_LISTENADDRESS=127.0.0.1:8081
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("HTTPRELAY_SERVER_%d_", i)
		addr := os.Getenv(prefix + "LISTENADDRESS")
		if addr == "" {
			break
		}

		server := defaultServer()
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		}
		server.ListenAddress = addr

		if enabledStr := os.Getenv(prefix + "ENABLED"); enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil {
				server.Enabled = enabled
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %sENABLED: %s\n", prefix, enabledStr)
			}
		}
		if maxConnsStr := os.Getenv(prefix + "MAXCONNECTIONS"); maxConnsStr != "" {
			if maxConns, err := strconv.Atoi(maxConnsStr); err == nil {
				server.MaxConnections = maxConns
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %sMAXCONNECTIONS: %s\n", prefix, maxConnsStr)
			}
		}

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
