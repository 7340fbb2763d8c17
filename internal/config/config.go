// Package config loads the agent's YAML configuration file, modeled on
// infrastructure/config/loader.go's env/default helpers and on the
// schema described in spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/waldur/site-agent/internal/model"
)

// OfferingConfig is the YAML shape of one `offerings` entry.
type OfferingConfig struct {
	Name               string            `yaml:"name"`
	WaldurAPIURL       string            `yaml:"waldur_api_url"`
	WaldurAPIToken     string            `yaml:"waldur_api_token"`
	WaldurOfferingUUID string            `yaml:"waldur_offering_uuid"`
	BackendType        string            `yaml:"backend_type"`
	BackendSettings    map[string]string `yaml:"backend_settings"`
	BackendComponents  map[string]struct {
		Label          string `yaml:"label"`
		MeasuredUnit   string `yaml:"measured_unit"`
		UnitFactor     int    `yaml:"unit_factor"`
		AccountingType string `yaml:"accounting_type"`
		Limit          *int   `yaml:"limit"`
		Min            *int   `yaml:"min"`
		Max            *int   `yaml:"max"`
		Default        *int   `yaml:"default"`
		LimitPeriod    string `yaml:"limit_period"`
	} `yaml:"backend_components"`

	MQTTEnabled                   bool   `yaml:"mqtt_enabled"`
	StompEnabled                  bool   `yaml:"stomp_enabled"`
	WebsocketUseTLS               *bool  `yaml:"websocket_use_tls"`
	StompWSHost                   string `yaml:"stomp_ws_host"`
	StompWSPort                   int    `yaml:"stomp_ws_port"`
	StompWSPath                   string `yaml:"stomp_ws_path"`
	UsernameManagementBackend     string `yaml:"username_management_backend"`
	UsernameGenerationPolicy      string `yaml:"username_generation_policy"`
	OrderProcessingBackend        string `yaml:"order_processing_backend"`
	MembershipSyncBackend         string `yaml:"membership_sync_backend"`
	ReportingBackend              string `yaml:"reporting_backend"`
	ResourceImportEnabled         bool   `yaml:"resource_import_enabled"`
	VerifySSL                     *bool  `yaml:"verify_ssl"`
	UsernameReconciliationEnabled bool   `yaml:"username_reconciliation_enabled"`
}

// StompReconnectConfig holds the stomp_reconnect block (spec.md §4.7, §8).
// It is parsed and defaulted, but not clamped, and the event fabric does
// not read it: listeners use stomp.DefaultReconnectConfig().
type StompReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// Config is the top-level YAML document (spec.md §6).
type Config struct {
	Offerings        []OfferingConfig     `yaml:"offerings"`
	SentryDSN        string               `yaml:"sentry_dsn"`
	Timezone         string               `yaml:"timezone"`
	ReportingPeriods int                  `yaml:"reporting_periods"`
	StompReconnect   StompReconnectConfig `yaml:"stomp_reconnect"`
	ReportSchedule   string               `yaml:"report_schedule"`

	OrderPollInterval         time.Duration `yaml:"order_poll_interval"`
	ReportPollInterval        time.Duration `yaml:"report_poll_interval"`
	MembershipPollInterval    time.Duration `yaml:"membership_poll_interval"`
	HealthCheckInterval       time.Duration `yaml:"health_check_interval"`
	UsernameReconcileInterval time.Duration `yaml:"username_reconcile_interval"`

	DiagnosticsAddr string `yaml:"diagnostics_addr"`
}

const (
	DefaultOrderPollInterval         = 2 * time.Minute
	DefaultReportPollInterval        = time.Hour
	DefaultMembershipPollInterval    = time.Hour
	DefaultHealthCheckInterval       = 30 * time.Minute
	DefaultUsernameReconcileInterval = 60 * time.Minute

	DefaultReportingPeriods = 2
	MinReportingPeriods     = 1
	MaxReportingPeriods     = 12

	DefaultStompInitialDelay = time.Second
	DefaultStompMaxDelay     = 60 * time.Second
	DefaultStompMultiplier   = 2.0
	DefaultStompJitter       = 0.25

	DefaultStompWSPath = "/rmqws-stomp"

	DefaultDiagnosticsAddr = "127.0.0.1:8081"
)

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in every interval/toggle the YAML document left
// unset. Every default except the stomp_reconnect fields is itself
// overridable by an environment variable (WALDUR_SITE_AGENT_*), so a
// deployment can tune cadences or force a verify_ssl=false rollout without
// touching the checked-in YAML file.
func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = GetEnv("WALDUR_SITE_AGENT_TIMEZONE", "UTC")
	}
	if c.ReportingPeriods == 0 {
		c.ReportingPeriods = GetEnvInt("WALDUR_SITE_AGENT_REPORTING_PERIODS", DefaultReportingPeriods)
	}
	if c.OrderPollInterval == 0 {
		c.OrderPollInterval = GetEnvDuration("WALDUR_SITE_AGENT_ORDER_POLL_INTERVAL", DefaultOrderPollInterval)
	}
	if c.ReportPollInterval == 0 {
		c.ReportPollInterval = GetEnvDuration("WALDUR_SITE_AGENT_REPORT_POLL_INTERVAL", DefaultReportPollInterval)
	}
	if c.MembershipPollInterval == 0 {
		c.MembershipPollInterval = GetEnvDuration("WALDUR_SITE_AGENT_MEMBERSHIP_POLL_INTERVAL", DefaultMembershipPollInterval)
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = GetEnvDuration("WALDUR_SITE_AGENT_HEALTH_CHECK_INTERVAL", DefaultHealthCheckInterval)
	}
	if c.UsernameReconcileInterval == 0 {
		c.UsernameReconcileInterval = GetEnvDuration("WALDUR_SITE_AGENT_USERNAME_RECONCILE_INTERVAL", DefaultUsernameReconcileInterval)
	}
	if c.StompReconnect.InitialDelay == 0 {
		c.StompReconnect.InitialDelay = DefaultStompInitialDelay
	}
	if c.StompReconnect.MaxDelay == 0 {
		c.StompReconnect.MaxDelay = DefaultStompMaxDelay
	}
	if c.StompReconnect.Multiplier == 0 {
		c.StompReconnect.Multiplier = DefaultStompMultiplier
	}
	if c.StompReconnect.Jitter == 0 {
		c.StompReconnect.Jitter = DefaultStompJitter
	}
	if c.DiagnosticsAddr == "" {
		c.DiagnosticsAddr = GetEnv("WALDUR_SITE_AGENT_DIAGNOSTICS_ADDR", DefaultDiagnosticsAddr)
	}
	if c.SentryDSN == "" {
		c.SentryDSN = GetEnv("WALDUR_SITE_AGENT_SENTRY_DSN", "")
	}
}

func (c *Config) validate() error {
	if len(c.Offerings) == 0 {
		return fmt.Errorf("at least one offering is required")
	}
	if c.ReportingPeriods < MinReportingPeriods || c.ReportingPeriods > MaxReportingPeriods {
		return fmt.Errorf("reporting_periods must be in [%d, %d], got %d",
			MinReportingPeriods, MaxReportingPeriods, c.ReportingPeriods)
	}
	for i, off := range c.Offerings {
		if off.Name == "" {
			return fmt.Errorf("offerings[%d]: name is required", i)
		}
		if off.WaldurAPIURL == "" {
			return fmt.Errorf("offerings[%d] (%s): waldur_api_url is required", i, off.Name)
		}
		if off.WaldurOfferingUUID == "" {
			return fmt.Errorf("offerings[%d] (%s): waldur_offering_uuid is required", i, off.Name)
		}
		if off.BackendType == "" {
			return fmt.Errorf("offerings[%d] (%s): backend_type is required", i, off.Name)
		}
	}
	return nil
}

// ToOfferings converts the validated YAML shape into runtime model.Offering values.
func (c *Config) ToOfferings() []model.Offering {
	offerings := make([]model.Offering, 0, len(c.Offerings))
	for _, off := range c.Offerings {
		offerings = append(offerings, off.toModel())
	}
	return offerings
}

func (oc OfferingConfig) toModel() model.Offering {
	components := make(map[string]model.BackendComponent, len(oc.BackendComponents))
	for key, c := range oc.BackendComponents {
		components[key] = model.BackendComponent{
			Type:           key,
			Label:          c.Label,
			MeasuredUnit:   c.MeasuredUnit,
			UnitFactor:     orDefaultInt(c.UnitFactor, 1),
			AccountingType: model.AccountingType(strings.ToLower(c.AccountingType)),
			Limit:          c.Limit,
			Min:            c.Min,
			Max:            c.Max,
			Default:        c.Default,
			LimitPeriod:    model.LimitPeriod(c.LimitPeriod),
		}
	}

	return model.Offering{
		UUID:                                    oc.WaldurOfferingUUID,
		Name:                                    oc.Name,
		APIURL:                                  oc.WaldurAPIURL,
		APIToken:                                oc.WaldurAPIToken,
		BackendType:                             strings.ToLower(oc.BackendType),
		BackendSettings:                         oc.BackendSettings,
		BackendComponents:                       components,
		StompEnabled:                            oc.StompEnabled,
		WebsocketUseTLS:                         boolOrDefault(oc.WebsocketUseTLS, GetEnvBool("WALDUR_SITE_AGENT_WEBSOCKET_USE_TLS", true)),
		StompWSHost:                             oc.StompWSHost,
		StompWSPort:                             oc.StompWSPort,
		StompWSPath:                             orDefaultString(oc.StompWSPath, DefaultStompWSPath),
		UsernameReconciliationEnabled:           oc.UsernameReconciliationEnabled,
		ResourceImportEnabled:                   oc.ResourceImportEnabled,
		VerifySSL:                               boolOrDefault(oc.VerifySSL, GetEnvBool("WALDUR_SITE_AGENT_VERIFY_SSL", true)),
		UsernameManagementBackend:               orDefaultString(oc.UsernameManagementBackend, "base"),
		UsernameGenerationPolicyServiceProvider: strings.EqualFold(oc.UsernameGenerationPolicy, "service_provider"),
		OrderProcessingBackend:                  oc.OrderProcessingBackend,
		MembershipSyncBackend:                   oc.MembershipSyncBackend,
		ReportingBackend:                        oc.ReportingBackend,
	}
}

func boolOrDefault(v *bool, d bool) bool {
	if v == nil {
		return d
	}
	return *v
}

func orDefaultString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func orDefaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

// GetEnv retrieves an environment variable with a default, modeled on
// infrastructure/config/loader.go's GetEnv.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with a default.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes"
}

// GetEnvDuration retrieves a duration environment variable with a default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable with a default.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}
