// Package config provides configuration loading, validation, and defaults for
// the csp-billing-adapter-local plugin.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the adapter framework keeps its configuration.
const DefaultConfigPath = "/etc/csp_billing_adapter/config.yaml"

// Config is the adapter configuration handed to every hook. The top-level keys
// belong to the adapter framework; the plugin only owns the Local section.
type Config struct {
	Version      string                       `yaml:"version"       json:"version"`
	API          string                       `yaml:"api"           json:"api"           env:"CSP_LOCAL_API"  validate:"required,url"`
	ProductCode  string                       `yaml:"product_code"  json:"product_code"`
	UsageMetrics map[string]UsageMetricConfig `yaml:"usage_metrics" json:"usage_metrics" validate:"required,min=1,dive"`
	Local        LocalConfig                  `yaml:"local"         json:"local"`
}

// UsageMetricConfig describes how a single billable metric is aggregated.
type UsageMetricConfig struct {
	UsageAggregation   string            `yaml:"usage_aggregation"   json:"usage_aggregation"   validate:"omitempty,oneof=current maximum average"`
	MinimumConsumption int               `yaml:"minimum_consumption" json:"minimum_consumption" validate:"omitempty,min=0"`
	Dimensions         []DimensionConfig `yaml:"dimensions"          json:"dimensions"          validate:"dive"`
}

// DimensionConfig is a billing tier of a usage metric.
type DimensionConfig struct {
	Dimension string `yaml:"dimension" json:"dimension" validate:"required"`
	Min       int    `yaml:"min"       json:"min"       validate:"min=0"`
	Max       int    `yaml:"max"       json:"max"       validate:"omitempty,gtefield=Min"`
}

// LocalConfig holds the settings of the local storage/usage plugin.
type LocalConfig struct {
	Log     LogConfig     `yaml:"log"     json:"log"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Usage   UsageConfig   `yaml:"usage"   json:"usage"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"  json:"level"  env:"CSP_LOCAL_LOG_LEVEL"  validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" json:"format" env:"CSP_LOCAL_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// StorageConfig holds the on-disk layout of the persisted documents.
type StorageConfig struct {
	BaseDir       string `yaml:"base_dir"        json:"base_dir"        env:"CSP_LOCAL_BASE_DIR"        validate:"required"`
	CacheFile     string `yaml:"cache_file"      json:"cache_file"      env:"CSP_LOCAL_CACHE_FILE"      validate:"required,excludesall=/"`
	CSPConfigFile string `yaml:"csp_config_file" json:"csp_config_file" env:"CSP_LOCAL_CSP_CONFIG_FILE" validate:"required,excludesall=/"`
}

// UsageConfig holds the usage API client settings.
type UsageConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds"         json:"timeout_seconds"         env:"CSP_LOCAL_USAGE_TIMEOUT_SECONDS" validate:"omitempty,min=1"`
	RetryDelayMillis     int `yaml:"retry_delay_ms"          json:"retry_delay_ms"          env:"CSP_LOCAL_USAGE_RETRY_DELAY_MS"  validate:"omitempty,min=0"`
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" json:"max_requests_per_second" env:"CSP_LOCAL_USAGE_MAX_RPS"         validate:"omitempty,min=0"`
	BurstRequests        int `yaml:"burst_requests"          json:"burst_requests"          env:"CSP_LOCAL_USAGE_BURST"           validate:"omitempty,min=0"`
}

// Timeout returns the per-attempt request timeout as a time.Duration.
func (c UsageConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay returns the wait between two attempts as a time.Duration.
func (c UsageConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}

// ExpectedMetrics returns the configured usage metric names, sorted.
func (c *Config) ExpectedMetrics() []string {
	names := make([]string, 0, len(c.UsageMetrics))
	for name := range c.UsageMetrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads a YAML configuration file, applies defaults, applies environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	ApplyDefaults(cfg)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides walks the config struct and overwrites fields that have
// an "env" tag if the corresponding environment variable is set.
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesOnValue(reflect.ValueOf(cfg))
}

func applyEnvOverridesOnValue(v reflect.Value) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if fieldVal.Kind() == reflect.Struct {
			applyEnvOverridesOnValue(fieldVal.Addr())
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}

		envVal, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}

		setFieldFromString(fieldVal, envVal)
	}
}

// setFieldFromString sets a reflect.Value from a string, supporting
// string, bool and int field types. Unparsable values are ignored.
func setFieldFromString(field reflect.Value, raw string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)

	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err == nil {
			field.SetBool(b)
		}

	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil {
			field.SetInt(int64(n))
		}
	}
}

// RedactURL masks the password of a URL's user info, if any. Unparsable
// input is returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}

// Redacted returns a copy of the Config with credentials in the API URL masked.
func (c *Config) Redacted() Config {
	cp := *c
	cp.API = RedactURL(cp.API)
	return cp
}

// RedactedJSON returns the config as indented JSON with secrets masked.
func (c *Config) RedactedJSON() ([]byte, error) {
	redacted := c.Redacted()
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling redacted config: %w", err)
	}
	return data, nil
}
