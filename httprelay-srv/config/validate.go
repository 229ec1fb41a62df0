package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const (
	BackendDummy    = "dummy"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var logLevels = []any{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

// Validate checks the configuration for values the proxy cannot run with.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Servers,
			validation.Required,
			validation.Each(validation.By(validateServerConfig)),
		),
		validation.Field(&c.TimeoutSeconds,
			validation.Required,
			validation.Min(1),
		),
		validation.Field(&c.KeepAliveSeconds,
			validation.Min(0),
		),
		validation.Field(&c.LogLevel,
			validation.By(func(value interface{}) error {
				level, _ := value.(string)
				if level == "" {
					return nil
				}
				return validation.In(logLevels...).Validate(strings.ToUpper(level))
			}),
		),
		validation.Field(&c.Interception,
			validation.By(func(value interface{}) error {
				ic, ok := value.(InterceptionConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an InterceptionConfig")
				}
				return validation.ValidateStruct(&ic,
					validation.Field(&ic.QueueSize, validation.Min(1)),
					validation.Field(&ic.Redis,
						validation.By(func(value interface{}) error {
							rc, ok := value.(RedisConfig)
							if !ok {
								return validation.NewError("validation_invalid_type", "must be a RedisConfig")
							}
							return validation.ValidateStruct(&rc,
								validation.Field(&rc.Address, validation.By(validateHostPort)),
								validation.Field(&rc.DB, validation.Min(0)),
								validation.Field(&rc.Channel,
									validation.When(rc.Address != "", validation.Required),
								),
							)
						}),
					),
				)
			}),
		),
		validation.Field(&c.Statistics,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StatisticsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StatisticsConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Backend,
						validation.In(BackendDummy, BackendSQLite, BackendPostgres),
					),
					validation.Field(&sc.SQLitePath,
						validation.When(sc.Enabled && sc.Backend == BackendSQLite, validation.Required),
					),
					validation.Field(&sc.PostgresDSN,
						validation.When(sc.Enabled && sc.Backend == BackendPostgres, validation.Required),
					),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.ListenAddress, validation.By(validateHostPort)),
				)
			}),
		),
	); err != nil {
		return err
	}

	for i, fwd := range c.Forwards {
		if err := validateForward(fwd); err != nil {
			return fmt.Errorf("forwards[%d]: %w", i, err)
		}
	}

	for name, clf := range c.Classifiers {
		if err := c.validateClassifier(clf, map[string]bool{name: true}); err != nil {
			return fmt.Errorf("classifiers.%s: %w", name, err)
		}
	}
	for i, fwd := range c.Forwards {
		if err := c.validateClassifier(fwd.Classifier(), map[string]bool{}); err != nil {
			return fmt.Errorf("forwards[%d].classifier: %w", i, err)
		}
	}
	return nil
}

func validateServerConfig(value interface{}) error {
	sc, ok := value.(ServerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ServerConfig")
	}
	return validation.ValidateStruct(&sc,
		validation.Field(&sc.ListenAddress,
			validation.Required,
			validation.By(validateHostPort),
		),
		validation.Field(&sc.MaxConnections, validation.Min(0)),
	)
}

func validateForward(fwd Forward) error {
	switch f := fwd.(type) {
	case *ForwardDefaultNetwork:
		return nil
	case *ForwardSocks5:
		return validation.ValidateStruct(f,
			validation.Field(&f.Address, validation.Required, validation.By(validateHostPort)),
		)
	case *ForwardProxy:
		return validation.ValidateStruct(f,
			validation.Field(&f.Address, validation.Required, validation.By(validateHostPort)),
		)
	}
	return validation.NewError("validation_invalid_forward", "unknown forward type")
}

// validateClassifier checks port ranges and that every ref resolves without
// forming a cycle.
func (c *Config) validateClassifier(clf Classifier, visiting map[string]bool) error {
	switch t := clf.(type) {
	case nil:
		return nil
	case *ClassifierAnd:
		for _, sub := range t.Classifiers {
			if err := c.validateClassifier(sub, visiting); err != nil {
				return err
			}
		}
	case *ClassifierOr:
		for _, sub := range t.Classifiers {
			if err := c.validateClassifier(sub, visiting); err != nil {
				return err
			}
		}
	case *ClassifierNot:
		if t.Classifier == nil {
			return validation.NewError("validation_missing_classifier", "not classifier requires an inner classifier")
		}
		return c.validateClassifier(t.Classifier, visiting)
	case *ClassifierPort:
		return validation.Validate(t.Port, validation.Required, validation.Min(1), validation.Max(65535))
	case *ClassifierDomain:
		return validation.Validate(t.Domain, validation.Required)
	case *ClassifierRef:
		target, ok := c.Classifiers[t.Id]
		if !ok {
			return validation.NewError("validation_unknown_ref", fmt.Sprintf("unknown classifier reference %q", t.Id))
		}
		if visiting[t.Id] {
			return validation.NewError("validation_ref_cycle", fmt.Sprintf("classifier reference cycle through %q", t.Id))
		}
		visiting[t.Id] = true
		defer delete(visiting, t.Id)
		return c.validateClassifier(target, visiting)
	}
	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return validation.NewError("validation_invalid_port", "port must be a number between 0 and 65535")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
