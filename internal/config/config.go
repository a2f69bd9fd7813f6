// Package config loads the engine's runtime configuration (spec §6
// "Configuration file"): an XML file with top-level <drachtio> and
// sections <admin>, <sip>, <logging>, <redis>, <request-handler>,
// <cdrs>, <monitoring>, layered under CLI flags and their environment
// variable equivalents.
//
// Precedence, grounded on flowpbx-flowpbx/internal/config.Load's
// flag/env/default layering and generalized with one more layer
// underneath: flags > env vars > XML file > defaults. No ecosystem XML
// library appears anywhere in the retrieval pack, so the file layer is
// read with the standard library's encoding/xml; everything above it
// follows flowpbx's flag.NewFlagSet + applyEnvOverrides idiom exactly.
package config

import (
	"encoding/xml"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

const envPrefix = "DRACHTIO_"

// defaults. The TLS ports are conventional values shown for operator
// reference only: both TLS listeners are opt-in (port 0, disabled)
// unless a port and matching cert/key are configured explicitly.
const (
	defaultAdminTCPPort      = 9022
	defaultAdminTLSPort      = 9023
	defaultSIPUDPPort        = 5060
	defaultSIPTCPPort        = 5060
	defaultSIPTLSPort        = 5061
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultRedisRefreshSecs  = 30
	defaultRedisSetName      = "blacklist"
	defaultRequestTimeoutSec = 5
	defaultMonitoringPort    = 9090
)

// Admin holds the application control-plane listener settings (spec
// §4.7/§4.8): the shared secret clients authenticate with, and the
// plain/TLS TCP ports clients connect to.
type Admin struct {
	XMLName xml.Name `xml:"admin"`
	TCPPort int      `xml:"tcp-port"`
	TLSPort int      `xml:"tls-port"`
	Secret  string   `xml:"secret"`
	TLSCert string   `xml:"tls-cert"`
	TLSKey  string   `xml:"tls-key"`
}

// SIP holds the wire-facing SIP transport settings (spec §4.1).
type SIP struct {
	XMLName    xml.Name `xml:"sip"`
	UDPPort    int      `xml:"udp-port"`
	TCPPort    int      `xml:"tcp-port"`
	TLSPort    int      `xml:"tls-port"`
	ExternalIP string   `xml:"external-ip"`
	LocalNet   string   `xml:"local-net"`
	TLSCert    string   `xml:"tls-cert"`
	TLSKey     string   `xml:"tls-key"`
}

// Logging holds the zerolog level/format pair every internal package
// and cmd binary is built against.
type Logging struct {
	XMLName xml.Name `xml:"logging"`
	Level   string   `xml:"level"`
	Format  string   `xml:"format"`
}

// Redis configures the blacklist poller (spec §4.11).
type Redis struct {
	XMLName        xml.Name `xml:"redis"`
	Addrs          string   `xml:"addrs"` // comma-separated host:port list
	SentinelMaster string   `xml:"sentinel-master"`
	SetName        string   `xml:"set-name"`
	RefreshSecs    int      `xml:"refresh-secs"`
	Password       string   `xml:"password"`
	DB             int      `xml:"db"`
}

// RequestHandler configures the HTTP route requester (spec §4.9) used
// when no application client is subscribed to a verb.
type RequestHandler struct {
	XMLName    xml.Name `xml:"request-handler"`
	URL        string   `xml:"url"`
	Method     string   `xml:"method"` // GET or POST
	TimeoutSec int      `xml:"timeout-secs"`
}

// CDRs gates call-detail-record generation (spec §4.6 item 6, §6).
type CDRs struct {
	XMLName xml.Name `xml:"cdrs"`
	Enabled bool      `xml:"enabled"`
}

// Monitoring configures the Prometheus-exposing HTTP listener.
type Monitoring struct {
	XMLName xml.Name `xml:"monitoring"`
	Enabled bool      `xml:"enabled"`
	Port    int       `xml:"port"`
}

// fileConfig is the XML document shape: <drachtio><admin/>...</drachtio>.
type fileConfig struct {
	XMLName        xml.Name       `xml:"drachtio"`
	Admin          Admin          `xml:"admin"`
	SIP            SIP            `xml:"sip"`
	Logging        Logging        `xml:"logging"`
	Redis          Redis          `xml:"redis"`
	RequestHandler RequestHandler `xml:"request-handler"`
	CDRs           CDRs           `xml:"cdrs"`
	Monitoring     Monitoring     `xml:"monitoring"`
}

// Config is the fully resolved, in-process configuration: flags win
// over env vars, which win over the XML file, which wins over
// defaults.
type Config struct {
	Admin          Admin
	SIP            SIP
	Logging        Logging
	Redis          Redis
	RequestHandler RequestHandler
	CDRs           CDRs
	Monitoring     Monitoring
}

// RedisRefreshInterval is a convenience accessor: internal/blacklist
// wants a time.Duration, the XML/flag surface deals in whole seconds.
func (c *Config) RedisRefreshInterval() time.Duration {
	return time.Duration(c.Redis.RefreshSecs) * time.Second
}

// RequestTimeout mirrors RedisRefreshInterval for the HTTP route
// requester's timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestHandler.TimeoutSec) * time.Second
}

func defaultConfig() *Config {
	return &Config{
		Admin: Admin{
			TCPPort: defaultAdminTCPPort,
		},
		SIP: SIP{
			UDPPort: defaultSIPUDPPort,
			TCPPort: defaultSIPTCPPort,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Redis: Redis{
			SetName:     defaultRedisSetName,
			RefreshSecs: defaultRedisRefreshSecs,
		},
		RequestHandler: RequestHandler{
			TimeoutSec: defaultRequestTimeoutSec,
		},
		Monitoring: Monitoring{
			Port: defaultMonitoringPort,
		},
	}
}

// loadFile reads and unmarshals the XML config file, if path is
// non-empty. A missing path is not an error: the engine can run on
// flags/env/defaults alone (spec §6 never mandates the file).
func loadFile(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := xml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &fc, nil
}

// applyFile overlays any non-zero field from fc onto cfg. Only fields
// actually present in the XML are applied; zero-valued XML fields fall
// through to whatever the defaults already set.
func applyFile(cfg *Config, fc *fileConfig) {
	if fc.Admin.TCPPort != 0 {
		cfg.Admin.TCPPort = fc.Admin.TCPPort
	}
	if fc.Admin.TLSPort != 0 {
		cfg.Admin.TLSPort = fc.Admin.TLSPort
	}
	if fc.Admin.Secret != "" {
		cfg.Admin.Secret = fc.Admin.Secret
	}
	if fc.Admin.TLSCert != "" {
		cfg.Admin.TLSCert = fc.Admin.TLSCert
	}
	if fc.Admin.TLSKey != "" {
		cfg.Admin.TLSKey = fc.Admin.TLSKey
	}
	if fc.SIP.UDPPort != 0 {
		cfg.SIP.UDPPort = fc.SIP.UDPPort
	}
	if fc.SIP.TCPPort != 0 {
		cfg.SIP.TCPPort = fc.SIP.TCPPort
	}
	if fc.SIP.TLSPort != 0 {
		cfg.SIP.TLSPort = fc.SIP.TLSPort
	}
	if fc.SIP.ExternalIP != "" {
		cfg.SIP.ExternalIP = fc.SIP.ExternalIP
	}
	if fc.SIP.LocalNet != "" {
		cfg.SIP.LocalNet = fc.SIP.LocalNet
	}
	if fc.SIP.TLSCert != "" {
		cfg.SIP.TLSCert = fc.SIP.TLSCert
	}
	if fc.SIP.TLSKey != "" {
		cfg.SIP.TLSKey = fc.SIP.TLSKey
	}
	if fc.Logging.Level != "" {
		cfg.Logging.Level = fc.Logging.Level
	}
	if fc.Logging.Format != "" {
		cfg.Logging.Format = fc.Logging.Format
	}
	if fc.Redis.Addrs != "" {
		cfg.Redis.Addrs = fc.Redis.Addrs
	}
	if fc.Redis.SentinelMaster != "" {
		cfg.Redis.SentinelMaster = fc.Redis.SentinelMaster
	}
	if fc.Redis.SetName != "" {
		cfg.Redis.SetName = fc.Redis.SetName
	}
	if fc.Redis.RefreshSecs != 0 {
		cfg.Redis.RefreshSecs = fc.Redis.RefreshSecs
	}
	if fc.Redis.Password != "" {
		cfg.Redis.Password = fc.Redis.Password
	}
	if fc.Redis.DB != 0 {
		cfg.Redis.DB = fc.Redis.DB
	}
	if fc.RequestHandler.URL != "" {
		cfg.RequestHandler.URL = fc.RequestHandler.URL
	}
	if fc.RequestHandler.Method != "" {
		cfg.RequestHandler.Method = fc.RequestHandler.Method
	}
	if fc.RequestHandler.TimeoutSec != 0 {
		cfg.RequestHandler.TimeoutSec = fc.RequestHandler.TimeoutSec
	}
	if fc.CDRs.Enabled {
		cfg.CDRs.Enabled = fc.CDRs.Enabled
	}
	if fc.Monitoring.Enabled {
		cfg.Monitoring.Enabled = fc.Monitoring.Enabled
	}
	if fc.Monitoring.Port != 0 {
		cfg.Monitoring.Port = fc.Monitoring.Port
	}
}

// flagSpec is one flag's name, its bound *Config field setter, and its
// environment-variable equivalent — the same three-tuple flowpbx's
// envMap encodes as a map, made explicit here so Load can both
// register the flag and apply its env fallback from one table.
type flagSpec struct {
	name   string
	envVar string
	isSet  func() bool
	apply  func(cfg *Config)
}

// Load resolves a Config from, in increasing precedence: defaults, the
// XML file at configPath (if non-empty), environment variables, and
// finally CLI flags parsed from args. Mirrors flowpbx's Load/
// applyEnvOverrides split, with the file layer inserted beneath env.
func Load(args []string, configPath string) (*Config, error) {
	cfg := defaultConfig()

	fc, err := loadFile(configPath)
	if err != nil {
		return nil, err
	}
	applyFile(cfg, fc)

	fs := flag.NewFlagSet("drachtio-server", flag.ContinueOnError)

	adminTCPPort := fs.Int("admin-tcp-port", cfg.Admin.TCPPort, "application control-plane TCP port")
	adminTLSPort := fs.Int("admin-tls-port", cfg.Admin.TLSPort, "application control-plane TLS port")
	adminSecret := fs.String("admin-secret", cfg.Admin.Secret, "shared secret application clients authenticate with")
	adminTLSCert := fs.String("admin-tls-cert", cfg.Admin.TLSCert, "admin listener TLS certificate path")
	adminTLSKey := fs.String("admin-tls-key", cfg.Admin.TLSKey, "admin listener TLS key path")

	sipUDPPort := fs.Int("sip-udp-port", cfg.SIP.UDPPort, "SIP UDP listen port")
	sipTCPPort := fs.Int("sip-tcp-port", cfg.SIP.TCPPort, "SIP TCP listen port")
	sipTLSPort := fs.Int("sip-tls-port", cfg.SIP.TLSPort, "SIP TLS listen port")
	sipExternalIP := fs.String("sip-external-ip", cfg.SIP.ExternalIP, "public IP used to rewrite Contact/Via for peers outside local-net")
	sipLocalNet := fs.String("sip-local-net", cfg.SIP.LocalNet, "CIDR considered local for transport-table rewriting")
	sipTLSCert := fs.String("sip-tls-cert", cfg.SIP.TLSCert, "SIP TLS certificate path")
	sipTLSKey := fs.String("sip-tls-key", cfg.SIP.TLSKey, "SIP TLS key path")

	logLevel := fs.String("log-level", cfg.Logging.Level, "zerolog level")
	logFormat := fs.String("log-format", cfg.Logging.Format, "log output format: json or console")

	redisAddrs := fs.String("redis-addrs", cfg.Redis.Addrs, "comma-separated redis (or sentinel) host:port list")
	redisSentinelMaster := fs.String("redis-sentinel-master", cfg.Redis.SentinelMaster, "sentinel master name, empty disables sentinel discovery")
	redisSetName := fs.String("redis-set-name", cfg.Redis.SetName, "redis set backing the IP blacklist")
	redisRefreshSecs := fs.Int("redis-refresh-secs", cfg.Redis.RefreshSecs, "blacklist poll interval in seconds")
	redisPassword := fs.String("redis-password", cfg.Redis.Password, "redis AUTH password")
	redisDB := fs.Int("redis-db", cfg.Redis.DB, "redis logical DB index")

	requestURL := fs.String("request-handler-url", cfg.RequestHandler.URL, "HTTP route requester URL")
	requestMethod := fs.String("request-handler-method", cfg.RequestHandler.Method, "GET or POST")
	requestTimeoutSecs := fs.Int("request-handler-timeout-secs", cfg.RequestHandler.TimeoutSec, "HTTP route requester timeout in seconds")

	cdrsEnabled := fs.Bool("cdrs-enabled", cfg.CDRs.Enabled, "enable call-detail-record generation")

	monitoringEnabled := fs.Bool("monitoring-enabled", cfg.Monitoring.Enabled, "enable the /metrics and /health HTTP listener")
	monitoringPort := fs.Int("monitoring-port", cfg.Monitoring.Port, "monitoring HTTP listen port")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	specs := []flagSpec{
		{"admin-tcp-port", envPrefix + "ADMIN_TCP_PORT", nil, func(c *Config) { c.Admin.TCPPort = *adminTCPPort }},
		{"admin-tls-port", envPrefix + "ADMIN_TLS_PORT", nil, func(c *Config) { c.Admin.TLSPort = *adminTLSPort }},
		{"admin-secret", envPrefix + "ADMIN_SECRET", nil, func(c *Config) { c.Admin.Secret = *adminSecret }},
		{"admin-tls-cert", envPrefix + "ADMIN_TLS_CERT", nil, func(c *Config) { c.Admin.TLSCert = *adminTLSCert }},
		{"admin-tls-key", envPrefix + "ADMIN_TLS_KEY", nil, func(c *Config) { c.Admin.TLSKey = *adminTLSKey }},
		{"sip-udp-port", envPrefix + "SIP_UDP_PORT", nil, func(c *Config) { c.SIP.UDPPort = *sipUDPPort }},
		{"sip-tcp-port", envPrefix + "SIP_TCP_PORT", nil, func(c *Config) { c.SIP.TCPPort = *sipTCPPort }},
		{"sip-tls-port", envPrefix + "SIP_TLS_PORT", nil, func(c *Config) { c.SIP.TLSPort = *sipTLSPort }},
		{"sip-external-ip", envPrefix + "SIP_EXTERNAL_IP", nil, func(c *Config) { c.SIP.ExternalIP = *sipExternalIP }},
		{"sip-local-net", envPrefix + "SIP_LOCAL_NET", nil, func(c *Config) { c.SIP.LocalNet = *sipLocalNet }},
		{"sip-tls-cert", envPrefix + "SIP_TLS_CERT", nil, func(c *Config) { c.SIP.TLSCert = *sipTLSCert }},
		{"sip-tls-key", envPrefix + "SIP_TLS_KEY", nil, func(c *Config) { c.SIP.TLSKey = *sipTLSKey }},
		{"log-level", envPrefix + "LOG_LEVEL", nil, func(c *Config) { c.Logging.Level = *logLevel }},
		{"log-format", envPrefix + "LOG_FORMAT", nil, func(c *Config) { c.Logging.Format = *logFormat }},
		{"redis-addrs", envPrefix + "REDIS_ADDRS", nil, func(c *Config) { c.Redis.Addrs = *redisAddrs }},
		{"redis-sentinel-master", envPrefix + "REDIS_SENTINEL_MASTER", nil, func(c *Config) { c.Redis.SentinelMaster = *redisSentinelMaster }},
		{"redis-set-name", envPrefix + "REDIS_SET_NAME", nil, func(c *Config) { c.Redis.SetName = *redisSetName }},
		{"redis-refresh-secs", envPrefix + "REDIS_REFRESH_SECS", nil, func(c *Config) { c.Redis.RefreshSecs = *redisRefreshSecs }},
		{"redis-password", envPrefix + "REDIS_PASSWORD", nil, func(c *Config) { c.Redis.Password = *redisPassword }},
		{"redis-db", envPrefix + "REDIS_DB", nil, func(c *Config) { c.Redis.DB = *redisDB }},
		{"request-handler-url", envPrefix + "REQUEST_HANDLER_URL", nil, func(c *Config) { c.RequestHandler.URL = *requestURL }},
		{"request-handler-method", envPrefix + "REQUEST_HANDLER_METHOD", nil, func(c *Config) { c.RequestHandler.Method = *requestMethod }},
		{"request-handler-timeout-secs", envPrefix + "REQUEST_HANDLER_TIMEOUT_SECS", nil, func(c *Config) { c.RequestHandler.TimeoutSec = *requestTimeoutSecs }},
		{"cdrs-enabled", envPrefix + "CDRS_ENABLED", nil, func(c *Config) { c.CDRs.Enabled = *cdrsEnabled }},
		{"monitoring-enabled", envPrefix + "MONITORING_ENABLED", nil, func(c *Config) { c.Monitoring.Enabled = *monitoringEnabled }},
		{"monitoring-port", envPrefix + "MONITORING_PORT", nil, func(c *Config) { c.Monitoring.Port = *monitoringPort }},
	}

	applyEnvAndFlagOverrides(fs, cfg, specs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvAndFlagOverrides walks specs in order: a flag given explicitly
// on the CLI (tracked with fs.Visit, as flowpbx's applyEnvOverrides does)
// writes its parsed value; otherwise the env var, if set, is applied.
// A flag that was not given only carries its cfg-seeded default, which
// cfg already holds, so skipping it keeps the flags > env > file >
// defaults precedence.
func applyEnvAndFlagOverrides(fs *flag.FlagSet, cfg *Config, specs []flagSpec) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	for _, s := range specs {
		if explicit[s.name] {
			s.apply(cfg)
			continue
		}
		if val, ok := os.LookupEnv(s.envVar); ok && val != "" {
			applyEnvString(cfg, s.name, val)
		}
	}
}

// applyEnvString converts the raw env var text for flagName and writes
// it onto cfg, for a flag that was not given on the CLI.
func applyEnvString(cfg *Config, flagName, val string) {
	switch flagName {
	case "admin-tcp-port":
		if v, err := strconv.Atoi(val); err == nil {
			cfg.Admin.TCPPort = v
		}
	case "admin-tls-port":
		if v, err := strconv.Atoi(val); err == nil {
			cfg.Admin.TLSPort = v
		}
	case "admin-secret":
		cfg.Admin.Secret = val
	case "admin-tls-cert":
		cfg.Admin.TLSCert = val
	case "admin-tls-key":
		cfg.Admin.TLSKey = val
	case "sip-udp-port":
		if v, err := strconv.Atoi(val); err == nil {
			cfg.SIP.UDPPort = v
		}
	case "sip-tcp-port":
		if v, err := strconv.Atoi(val); err == nil {
			cfg.SIP.TCPPort = v
		}
	case "sip-tls-port":
		if v, err := strconv.Atoi(val); err == nil {
			cfg.SIP.TLSPort = v
		}
	case "sip-external-ip":
		cfg.SIP.ExternalIP = val
	case "sip-local-net":
		cfg.SIP.LocalNet = val
	case "sip-tls-cert":
		cfg.SIP.TLSCert = val
	case "sip-tls-key":
		cfg.SIP.TLSKey = val
	case "log-level":
		cfg.Logging.Level = val
	case "log-format":
		cfg.Logging.Format = val
	case "redis-addrs":
		cfg.Redis.Addrs = val
	case "redis-sentinel-master":
		cfg.Redis.SentinelMaster = val
	case "redis-set-name":
		cfg.Redis.SetName = val
	case "redis-refresh-secs":
		if v, err := strconv.Atoi(val); err == nil {
			cfg.Redis.RefreshSecs = v
		}
	case "redis-password":
		cfg.Redis.Password = val
	case "redis-db":
		if v, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = v
		}
	case "request-handler-url":
		cfg.RequestHandler.URL = val
	case "request-handler-method":
		cfg.RequestHandler.Method = val
	case "request-handler-timeout-secs":
		if v, err := strconv.Atoi(val); err == nil {
			cfg.RequestHandler.TimeoutSec = v
		}
	case "cdrs-enabled":
		cfg.CDRs.Enabled = val == "1" || val == "true"
	case "monitoring-enabled":
		cfg.Monitoring.Enabled = val == "1" || val == "true"
	case "monitoring-port":
		if v, err := strconv.Atoi(val); err == nil {
			cfg.Monitoring.Port = v
		}
	}
}

// validate applies the fatal-only startup checks spec §7 calls for:
// the process exits non-zero with a human-readable message rather than
// running with a nonsensical port or a TLS section missing its files.
func (c *Config) validate() error {
	if err := validatePort("admin-tcp-port", c.Admin.TCPPort); err != nil {
		return err
	}
	if err := validatePort("sip-udp-port", c.SIP.UDPPort); err != nil {
		return err
	}
	if err := validatePort("sip-tcp-port", c.SIP.TCPPort); err != nil {
		return err
	}
	if c.SIP.TLSPort != 0 {
		if err := validatePort("sip-tls-port", c.SIP.TLSPort); err != nil {
			return err
		}
		if c.SIP.TLSCert == "" || c.SIP.TLSKey == "" {
			return fmt.Errorf("sip-tls-port set but sip-tls-cert/sip-tls-key missing")
		}
	}
	if c.Admin.TLSPort != 0 {
		if c.Admin.TLSCert == "" || c.Admin.TLSKey == "" {
			return fmt.Errorf("admin-tls-port set but admin-tls-cert/admin-tls-key missing")
		}
	}
	if c.RequestHandler.URL != "" && c.RequestHandler.Method != "" &&
		c.RequestHandler.Method != "GET" && c.RequestHandler.Method != "POST" {
		return fmt.Errorf("request-handler-method must be GET or POST, got %q", c.RequestHandler.Method)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
