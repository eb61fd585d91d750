package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind identifies a supported database backend.
type BackendKind string

const (
	KindMSSQL      BackendKind = "mssql"
	KindPostgreSQL BackendKind = "postgresql"
	KindRedis      BackendKind = "redis"
	KindSQLite     BackendKind = "sqlite"
	KindInfluxDB   BackendKind = "influxdb"
)

// ParseBackendKind maps a scheme or kind name to a BackendKind. It accepts
// the URL scheme aliases (sqlserver, postgres) alongside canonical names.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(s) {
	case "mssql", "sqlserver":
		return KindMSSQL, nil
	case "postgresql", "postgres":
		return KindPostgreSQL, nil
	case "redis":
		return KindRedis, nil
	case "sqlite":
		return KindSQLite, nil
	case "influxdb":
		return KindInfluxDB, nil
	default:
		return "", fmt.Errorf("unsupported backend kind: %s", s)
	}
}

// DefaultPort returns the conventional port for the backend; 0 means the
// backend is addressed by file path rather than host:port.
func (k BackendKind) DefaultPort() int {
	switch k {
	case KindMSSQL:
		return 1433
	case KindPostgreSQL:
		return 5432
	case KindRedis:
		return 6379
	case KindInfluxDB:
		return 8086
	default:
		return 0
	}
}

// FileBacked reports whether the backend is addressed by file path.
func (k BackendKind) FileBacked() bool { return k == KindSQLite }

// KeyValue reports whether the backend has no database/schema namespace.
func (k BackendKind) KeyValue() bool { return k == KindRedis }

// SSLMode selects how transport security is negotiated.
type SSLMode string

const (
	SSLDisable SSLMode = "disable"
	SSLRequire SSLMode = "require"
	SSLPrefer  SSLMode = "prefer"
)

// SSLConfig is the optional transport-security block.
type SSLConfig struct {
	Mode                   SSLMode `yaml:"mode" json:"mode"`
	TrustServerCertificate bool    `yaml:"trust_server_certificate" json:"trust_server_certificate"`
	CertificatePath        string  `yaml:"certificate_path" json:"certificate_path,omitempty"`
	KeyPath                string  `yaml:"key_path" json:"key_path,omitempty"`
}

// PoolConfig sizes one pool and its maintenance behavior.
type PoolConfig struct {
	MinConnections      int           `yaml:"min_connections" json:"min_connections"`
	MaxConnections      int           `yaml:"max_connections" json:"max_connections"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxLifetime         time.Duration `yaml:"max_lifetime" json:"max_lifetime"`
	AutoScaling         bool          `yaml:"auto_scaling" json:"auto_scaling"`
	ScaleUpThreshold    float64       `yaml:"scale_up_threshold" json:"scale_up_threshold"`
	ScaleDownThreshold  float64       `yaml:"scale_down_threshold" json:"scale_down_threshold"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig returns the sizing defaults applied when a field is
// omitted from any configuration form.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConnections:      5,
		MaxConnections:      50,
		AcquireTimeout:      30 * time.Second,
		IdleTimeout:         600 * time.Second,
		MaxLifetime:         3600 * time.Second,
		AutoScaling:         true,
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.3,
		HealthCheckInterval: 60 * time.Second,
	}
}

// TimeoutConfig bounds individual operations against a session.
type TimeoutConfig struct {
	QueryTimeout      time.Duration `yaml:"query_timeout" json:"query_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout" json:"command_timeout"`
}

// DefaultTimeoutConfig returns the timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		QueryTimeout:      30 * time.Second,
		ConnectionTimeout: 30 * time.Second,
		CommandTimeout:    30 * time.Second,
	}
}

// DatabaseConfig is the immutable-after-validation record describing one
// backend and the pool in front of it.
type DatabaseConfig struct {
	Kind            BackendKind   `yaml:"kind" json:"kind"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password,omitempty"`
	SSL             *SSLConfig    `yaml:"ssl,omitempty" json:"ssl,omitempty"`
	Pool            PoolConfig    `yaml:"pool" json:"pool"`
	Timeout         TimeoutConfig `yaml:"timeout" json:"timeout"`
	ApplicationName string        `yaml:"application_name,omitempty" json:"application_name,omitempty"`
}

// Validate rejects on the first violated invariant, naming the offending
// field.
func (c *DatabaseConfig) Validate() error {
	if _, err := ParseBackendKind(string(c.Kind)); err != nil {
		return fmt.Errorf("kind: %w", err)
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections: must be greater than 0")
	}
	if c.Pool.MinConnections < 1 {
		return fmt.Errorf("pool.min_connections: must be at least 1")
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("pool.min_connections: must not exceed pool.max_connections")
	}
	if c.Host == "" && !c.Kind.FileBacked() {
		return fmt.Errorf("host: must not be empty")
	}
	if c.Database == "" && !c.Kind.KeyValue() {
		return fmt.Errorf("database: must not be empty")
	}
	if c.Port <= 0 && !c.Kind.FileBacked() {
		return fmt.Errorf("port: must be greater than 0")
	}
	return nil
}

// Redacted returns a copy safe to log or expose: the password is masked.
func (c DatabaseConfig) Redacted() DatabaseConfig {
	if c.Password != "" {
		c.Password = "****"
	}
	return c
}

// URL renders the config back into URL form, emitting every recognized
// query key whose value differs from the default.
func (c DatabaseConfig) URL() string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	b.WriteString("://")
	if c.Username != "" {
		b.WriteString(url.User(c.Username).String())
		if c.Password != "" {
			b.WriteString(":")
			b.WriteString(url.QueryEscape(c.Password))
		}
		b.WriteString("@")
	}
	b.WriteString(c.Host)
	if c.Port > 0 {
		fmt.Fprintf(&b, ":%d", c.Port)
	}
	b.WriteString("/")
	b.WriteString(c.Database)

	q := url.Values{}
	if c.SSL != nil {
		q.Set("ssl_mode", string(c.SSL.Mode))
		q.Set("trust_server_certificate", strconv.FormatBool(c.SSL.TrustServerCertificate))
		if c.SSL.CertificatePath != "" {
			q.Set("certificate_path", c.SSL.CertificatePath)
		}
		if c.SSL.KeyPath != "" {
			q.Set("key_path", c.SSL.KeyPath)
		}
	}
	def := DefaultPoolConfig()
	if c.Pool.MinConnections != def.MinConnections {
		q.Set("min_connections", strconv.Itoa(c.Pool.MinConnections))
	}
	if c.Pool.MaxConnections != def.MaxConnections {
		q.Set("max_connections", strconv.Itoa(c.Pool.MaxConnections))
	}
	if c.Pool.AcquireTimeout != def.AcquireTimeout {
		q.Set("acquire_timeout", strconv.Itoa(int(c.Pool.AcquireTimeout/time.Second)))
	}
	tdef := DefaultTimeoutConfig()
	if c.Timeout.QueryTimeout != tdef.QueryTimeout {
		q.Set("query_timeout", strconv.Itoa(int(c.Timeout.QueryTimeout/time.Second)))
	}
	if c.Timeout.ConnectionTimeout != tdef.ConnectionTimeout {
		q.Set("connection_timeout", strconv.Itoa(int(c.Timeout.ConnectionTimeout/time.Second)))
	}
	if c.ApplicationName != "" {
		q.Set("application_name", c.ApplicationName)
	}
	if enc := q.Encode(); enc != "" {
		b.WriteString("?")
		b.WriteString(enc)
	}
	return b.String()
}

// FromURL parses the URL configuration form:
// <scheme>://[user[:pass]@]host[:port]/database?k=v&...
func FromURL(raw string) (DatabaseConfig, error) {
	var cfg DatabaseConfig

	u, err := url.Parse(raw)
	if err != nil {
		return cfg, fmt.Errorf("invalid database URL: %w", err)
	}

	kind, err := ParseBackendKind(u.Scheme)
	if err != nil {
		return cfg, err
	}

	cfg.Kind = kind
	cfg.Host = u.Hostname()
	if cfg.Host == "" && !kind.FileBacked() {
		cfg.Host = "localhost"
	}
	cfg.Port = kind.DefaultPort()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return cfg, fmt.Errorf("invalid port: %q", p)
		}
		cfg.Port = port
	}
	cfg.Database = strings.TrimPrefix(u.Path, "/")
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}

	params := map[string]string{}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	cfg.SSL, err = parseSSLParams(params)
	if err != nil {
		return cfg, err
	}
	cfg.Pool, err = parsePoolParams(params)
	if err != nil {
		return cfg, err
	}
	cfg.Timeout, err = parseTimeoutParams(params)
	if err != nil {
		return cfg, err
	}
	cfg.ApplicationName = params["application_name"]

	return cfg, nil
}

// FromMap parses the dictionary configuration form. Recognized keys are
// kind (or db_type), host, port, database, username, password, the ssl, pool
// and timeout keys of the URL form, and application_name.
func FromMap(m map[string]string) (DatabaseConfig, error) {
	var cfg DatabaseConfig

	kindStr, ok := m["kind"]
	if !ok {
		kindStr, ok = m["db_type"]
	}
	if !ok {
		return cfg, fmt.Errorf("required key %q is missing", "kind")
	}
	kind, err := ParseBackendKind(kindStr)
	if err != nil {
		return cfg, err
	}
	cfg.Kind = kind

	cfg.Host = m["host"]
	if cfg.Host == "" && !kind.FileBacked() {
		cfg.Host = "localhost"
	}
	cfg.Port = kind.DefaultPort()
	if p, ok := m["port"]; ok {
		port, err := strconv.Atoi(p)
		if err != nil {
			return cfg, fmt.Errorf("port: must be a number, got %q", p)
		}
		cfg.Port = port
	}
	cfg.Database = m["database"]
	cfg.Username = m["username"]
	cfg.Password = m["password"]

	cfg.SSL, err = parseSSLParams(m)
	if err != nil {
		return cfg, err
	}
	cfg.Pool, err = parsePoolParams(m)
	if err != nil {
		return cfg, err
	}
	cfg.Timeout, err = parseTimeoutParams(m)
	if err != nil {
		return cfg, err
	}
	cfg.ApplicationName = m["application_name"]

	return cfg, nil
}

// FromEnv reads every environment variable with the given prefix, lowercases
// the suffix, and feeds the result through FromMap.
func FromEnv(prefix string) (DatabaseConfig, error) {
	m := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		m[strings.ToLower(strings.TrimPrefix(k, prefix))] = v
	}
	return FromMap(m)
}

func parseSSLParams(params map[string]string) (*SSLConfig, error) {
	modeStr, ok := params["ssl_mode"]
	if !ok {
		return nil, nil
	}
	var mode SSLMode
	switch modeStr {
	case "disable":
		mode = SSLDisable
	case "require":
		mode = SSLRequire
	case "prefer":
		mode = SSLPrefer
	default:
		return nil, fmt.Errorf("ssl_mode: invalid value %q", modeStr)
	}
	trust := false
	if t, ok := params["trust_server_certificate"]; ok {
		parsed, err := strconv.ParseBool(t)
		if err != nil {
			return nil, fmt.Errorf("trust_server_certificate: must be true or false, got %q", t)
		}
		trust = parsed
	}
	return &SSLConfig{
		Mode:                   mode,
		TrustServerCertificate: trust,
		CertificatePath:        params["certificate_path"],
		KeyPath:                params["key_path"],
	}, nil
}

func parsePoolParams(params map[string]string) (PoolConfig, error) {
	cfg := DefaultPoolConfig()
	if v, ok := params["min_connections"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("min_connections: must be a non-negative number, got %q", v)
		}
		cfg.MinConnections = n
	}
	if v, ok := params["max_connections"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("max_connections: must be a non-negative number, got %q", v)
		}
		cfg.MaxConnections = n
	}
	if v, ok := params["acquire_timeout"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("acquire_timeout: must be a number of seconds, got %q", v)
		}
		cfg.AcquireTimeout = time.Duration(secs) * time.Second
	}
	return cfg, nil
}

func parseTimeoutParams(params map[string]string) (TimeoutConfig, error) {
	cfg := DefaultTimeoutConfig()
	if v, ok := params["query_timeout"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("query_timeout: must be a number of seconds, got %q", v)
		}
		cfg.QueryTimeout = time.Duration(secs) * time.Second
	}
	if v, ok := params["connection_timeout"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("connection_timeout: must be a number of seconds, got %q", v)
		}
		cfg.ConnectionTimeout = time.Duration(secs) * time.Second
	}
	return cfg, nil
}

// APIConfig configures the management HTTP listener.
type APIConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FailoverConfig is the file form of a failover policy. Mode is one of
// local_only, active_standby, load_balanced.
type FailoverConfig struct {
	Mode            string         `yaml:"mode"`
	Primary         string         `yaml:"primary"`
	Backup          string         `yaml:"backup"`
	SwitchThreshold time.Duration  `yaml:"switch_threshold"`
	Pools           []string       `yaml:"pools"`
	Algorithm       string         `yaml:"algorithm"`
	Weights         map[string]int `yaml:"weights"`
}

// ServerConfig is the top-level file configuration for the crosspoold
// binary.
type ServerConfig struct {
	API      APIConfig                 `yaml:"api"`
	Logging  LoggingConfig             `yaml:"logging"`
	Pools    map[string]DatabaseConfig `yaml:"pools"`
	Failover *FailoverConfig           `yaml:"failover,omitempty"`
}

// Load reads and validates a server configuration file.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for id := range cfg.Pools {
		pc := cfg.Pools[id]
		applyDefaults(&pc)
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("pool %s: %w", id, err)
		}
		cfg.Pools[id] = pc
	}

	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}

	return &cfg, nil
}

// applyDefaults fills zero-valued sizing and timeout fields before
// validation, so a sparse file section behaves like the URL form.
func applyDefaults(c *DatabaseConfig) {
	def := DefaultPoolConfig()
	if c.Pool.MinConnections == 0 {
		c.Pool.MinConnections = def.MinConnections
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = def.MaxConnections
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = def.AcquireTimeout
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = def.IdleTimeout
	}
	if c.Pool.MaxLifetime == 0 {
		c.Pool.MaxLifetime = def.MaxLifetime
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = def.HealthCheckInterval
	}
	tdef := DefaultTimeoutConfig()
	if c.Timeout.QueryTimeout == 0 {
		c.Timeout.QueryTimeout = tdef.QueryTimeout
	}
	if c.Timeout.ConnectionTimeout == 0 {
		c.Timeout.ConnectionTimeout = tdef.ConnectionTimeout
	}
	if c.Timeout.CommandTimeout == 0 {
		c.Timeout.CommandTimeout = tdef.CommandTimeout
	}
	if c.Port == 0 {
		c.Port = c.Kind.DefaultPort()
	}
}
