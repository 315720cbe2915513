// Agent configuration package.
//
// This package includes both compile-time and run-time configuration of the
// agent. Variables are made configurable at run-time when necessary for users.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raspkit/go-agent/internal/plog"
	"github.com/raspkit/go-agent/internal/rklib/rkerrors"
	"github.com/spf13/viper"
)

type Config struct {
	*viper.Viper
}

// Error metrics store period.
const ErrorMetricsPeriod = time.Minute

// Performance metrics store period.
const PerformanceMetricsPeriod = time.Minute

const (
	configEnvPrefix        = `raspkit`
	configFileBasename     = `raspkit`
	configEnvKeyConfigFile = `config_file`
)

// Configuration keys and their default values.
const (
	configKeyLogLevel               = `log_level`
	configDefaultLogLevel           = `info`
	configKeyDisable                = `disable`
	configKeyPerformanceBudget      = `performance_budget_ms`
	configKeyPerformanceMonitoring  = `performance_monitoring`
	configKeyMaxMetricsStoreLength  = `max_metrics_store_length`
	configDefaultMaxMetricsStoreLen = 100 * 1024 * 1024
	configKeyIPPasslist             = `ip_passlist`
	configKeyPathPasslist           = `path_passlist`
)

func New(logger *plog.Logger) *Config {
	manager := viper.New()
	manager.SetEnvPrefix(configEnvPrefix)
	manager.AutomaticEnv()
	manager.SetConfigName(configFileBasename)

	// Default values of configurable parameters
	parameters := []struct {
		key          string
		defaultValue interface{}
	}{
		{key: configKeyLogLevel, defaultValue: configDefaultLogLevel},
		{key: configKeyDisable, defaultValue: ""},
		{key: configKeyPerformanceBudget, defaultValue: 0},
		{key: configKeyPerformanceMonitoring, defaultValue: false},
		{key: configKeyMaxMetricsStoreLength, defaultValue: configDefaultMaxMetricsStoreLen},
		{key: configKeyIPPasslist, defaultValue: ""},
		{key: configKeyPathPasslist, defaultValue: ""},
	}
	for _, p := range parameters {
		manager.SetDefault(p.key, p.defaultValue)
	}

	// Configuration file settings
	configFileEnvVar := strings.ToUpper(configEnvPrefix + "_" + configEnvKeyConfigFile)
	configFile := os.Getenv(configFileEnvVar)
	if configFile != "" {
		// File location enforced by the user
		manager.SetConfigFile(configFile)
		logger.Infof("config: configuration file enforced by the environment variable `%s` to `%s`", configFileEnvVar, configFile)
	} else {
		// Not enforced: add possible paths in precedence order
		// 1. Current working directory path:
		manager.AddConfigPath(`.`)
		// 2. Executable path
		exec, err := os.Executable()
		if err != nil {
			logger.Error(rkerrors.Wrap(err, "config: could not read the executable file path"))
		} else {
			manager.AddConfigPath(filepath.Dir(exec))
		}
	}
	// Try to read a configuration file according to the previous settings
	if readErr, fileUsed := manager.ReadInConfig(), manager.ConfigFileUsed(); readErr != nil && fileUsed != "" {
		// Could not read despite the fact of having found a file
		logger.Error(rkerrors.Wrap(readErr, fmt.Sprintf("config: could not read the configuration file `%s`: falling back to environment variables", fileUsed)))
	} else if fileUsed != "" {
		logger.Infof("config: reading configuration settings from file `%s`", fileUsed)
	} else {
		logger.Infof("config: reading configuration settings from environment variables")
	}

	return &Config{Viper: manager}
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() plog.LogLevel {
	return plog.ParseLogLevel(c.GetString(configKeyLogLevel))
}

// Disabled returns true when the agent is disabled by configuration.
func (c *Config) Disabled() bool {
	disable := strings.TrimSpace(c.GetString(configKeyDisable))
	return disable != "" && disable != "0" && !strings.EqualFold(disable, "false")
}

// PerformanceBudget returns the per-request time budget allotted to the
// security rules. Zero means no budget is enforced.
func (c *Config) PerformanceBudget() time.Duration {
	ms := c.GetInt64(configKeyPerformanceBudget)
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// PerformanceMonitoring returns true when the execution time of collaborative
// rules should be monitored and reported.
func (c *Config) PerformanceMonitoring() bool {
	return c.GetBool(configKeyPerformanceMonitoring)
}

// MaxMetricsStoreLength returns the maximum number of distinct keys a metrics
// store may hold.
func (c *Config) MaxMetricsStoreLength() uint {
	return uint(c.GetInt64(configKeyMaxMetricsStoreLength))
}

// IPPasslist returns the list of operator-configured CIDRs whose requests
// bypass the security rules.
func (c *Config) IPPasslist() []string {
	return split(c.GetString(configKeyIPPasslist))
}

// PathPasslist returns the list of operator-configured request paths that
// bypass the security rules.
func (c *Config) PathPasslist() []string {
	return split(c.GetString(configKeyPathPasslist))
}

func split(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	entries := strings.Split(list, ",")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
