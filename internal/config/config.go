// Package config loads the YAML cluster configuration shardbouncer runs
// from, and watches it for hot reload, mirroring the teacher's own
// internal/config package: env-var substitution, validation, defaults, and
// an fsnotify-backed debounced Watcher. Where the teacher's Config described
// one pool per tenant, Config here describes one PostgreSQL cluster: a
// sequence of shards (each a primary plus replicas), the sharded-table
// catalog, and the hash function the router uses to resolve shard keys.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/pool"
)

// Config is the top-level shardbouncer configuration.
type Config struct {
	Listen       ListenConfig        `yaml:"listen"`
	HashFunction string              `yaml:"hash_function"`
	ReadOnly     bool                `yaml:"read_only"`
	WriteOnly    bool                `yaml:"write_only"`
	ShardedTable []ShardedTableEntry `yaml:"sharded_tables"`
	PoolDefaults PoolDefaults        `yaml:"pool_defaults"`
	Shards       []ShardEntry        `yaml:"shards"`
}

// ListenConfig defines the ports and bind addresses shardbouncer listens on.
type ListenConfig struct {
	PostgresPort int    `yaml:"postgres_port"`
	AdminBind    string `yaml:"admin_bind"`
	AdminPort    int    `yaml:"admin_port"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// ShardedTableEntry names a table and the column its rows are partitioned
// on, the YAML shape of cluster.ShardedTable.
type ShardedTableEntry struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

// PoolDefaults holds the per-pool sizing and timeout settings applied to
// every shard's primary and replica pools.
type PoolDefaults struct {
	MinConnections   int           `yaml:"min_connections"`
	MaxConnections   int           `yaml:"max_connections"`
	CheckoutTimeout  time.Duration `yaml:"checkout_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	MaxAge           time.Duration `yaml:"max_age"`
	HealthcheckEvery time.Duration `yaml:"healthcheck_every"`
	BanTTL           time.Duration `yaml:"ban_ttl"`
}

// toPoolConfig converts PoolDefaults into the pool package's Config shape.
func (d PoolDefaults) toPoolConfig() pool.Config {
	c := pool.DefaultConfig()
	if d.MinConnections != 0 {
		c.Min = d.MinConnections
	}
	if d.MaxConnections != 0 {
		c.Max = d.MaxConnections
	}
	if d.CheckoutTimeout != 0 {
		c.CheckoutTimeout = d.CheckoutTimeout
	}
	if d.IdleTimeout != 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if d.ConnectTimeout != 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if d.MaxAge != 0 {
		c.MaxAge = d.MaxAge
	}
	if d.HealthcheckEvery != 0 {
		c.HealthcheckEvery = d.HealthcheckEvery
	}
	if d.BanTTL != 0 {
		c.BanTTL = d.BanTTL
	}
	return c
}

// EndpointConfig names one PostgreSQL server and the credentials used to
// authenticate against it.
type EndpointConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (e EndpointConfig) toAddress() pool.Address {
	return pool.Address{Host: e.Host, Port: e.Port, Database: e.DBName, User: e.Username, Password: e.Password}
}

// Redacted returns a copy of e with the password masked, for logging.
func (e EndpointConfig) Redacted() EndpointConfig {
	c := e
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// ShardEntry is one horizontal partition: a primary plus zero or more
// read replicas.
type ShardEntry struct {
	Primary  EndpointConfig   `yaml:"primary"`
	Replicas []EndpointConfig `yaml:"replicas"`
}

// ToClusterConfig converts the loaded Config into the cluster.Config shape
// internal/cluster builds pools from.
func (c *Config) ToClusterConfig(probe pool.HealthProbe) cluster.Config {
	poolCfg := c.PoolDefaults.toPoolConfig()

	shards := make([]cluster.ShardConfig, 0, len(c.Shards))
	for _, s := range c.Shards {
		var primary *pool.Address
		if s.Primary.Host != "" {
			addr := s.Primary.toAddress()
			primary = &addr
		}
		replicas := make([]pool.Address, 0, len(s.Replicas))
		for _, r := range s.Replicas {
			replicas = append(replicas, r.toAddress())
		}
		shards = append(shards, cluster.ShardConfig{
			Primary:     primary,
			Replicas:    replicas,
			PoolConfig:  poolCfg,
			HealthProbe: probe,
		})
	}

	tables := make([]cluster.ShardedTable, 0, len(c.ShardedTable))
	for _, t := range c.ShardedTable {
		tables = append(tables, cluster.ShardedTable{Table: t.Table, Column: t.Column})
	}

	return cluster.Config{
		Shards:        shards,
		ReadOnly:      c.ReadOnly,
		WriteOnly:     c.WriteOnly,
		ShardedTables: tables,
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.AdminPort == 0 {
		cfg.Listen.AdminPort = 8080
	}
	if cfg.Listen.AdminBind == "" {
		cfg.Listen.AdminBind = "127.0.0.1"
	}
	if cfg.HashFunction == "" {
		cfg.HashFunction = "murmur3"
	}
	d := &cfg.PoolDefaults
	if d.MinConnections == 0 {
		d.MinConnections = 1
	}
	if d.MaxConnections == 0 {
		d.MaxConnections = 10
	}
	if d.CheckoutTimeout == 0 {
		d.CheckoutTimeout = 5 * time.Second
	}
	if d.IdleTimeout == 0 {
		d.IdleTimeout = 10 * time.Minute
	}
	if d.ConnectTimeout == 0 {
		d.ConnectTimeout = 5 * time.Second
	}
	if d.MaxAge == 0 {
		d.MaxAge = 1 * time.Hour
	}
	if d.HealthcheckEvery == 0 {
		d.HealthcheckEvery = 30 * time.Second
	}
	if d.BanTTL == 0 {
		d.BanTTL = 60 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Shards) == 0 {
		return fmt.Errorf("at least one shard is required")
	}
	if cfg.HashFunction != "" && cfg.HashFunction != "murmur3" && cfg.HashFunction != "xxhash" {
		return fmt.Errorf("unsupported hash_function %q (must be murmur3 or xxhash)", cfg.HashFunction)
	}
	if cfg.ReadOnly && cfg.WriteOnly {
		return fmt.Errorf("read_only and write_only are mutually exclusive")
	}
	for i, s := range cfg.Shards {
		if s.Primary.Host == "" && len(s.Replicas) == 0 {
			return fmt.Errorf("shard %d: at least a primary or a replica is required", i)
		}
		if s.Primary.Host != "" {
			if err := validateEndpoint(fmt.Sprintf("shard %d primary", i), s.Primary); err != nil {
				return err
			}
		}
		for j, r := range s.Replicas {
			if err := validateEndpoint(fmt.Sprintf("shard %d replica %d", i, j), r); err != nil {
				return err
			}
		}
	}
	for _, t := range cfg.ShardedTable {
		if t.Table == "" || t.Column == "" {
			return fmt.Errorf("sharded_tables entry requires both table and column")
		}
	}
	return nil
}

func validateEndpoint(label string, e EndpointConfig) error {
	if e.Host == "" {
		return fmt.Errorf("%s: host is required", label)
	}
	if e.Port == 0 {
		return fmt.Errorf("%s: port is required", label)
	}
	if e.DBName == "" {
		return fmt.Errorf("%s: dbname is required", label)
	}
	if e.Username == "" {
		return fmt.Errorf("%s: username is required", label)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the
// new config, debouncing rapid successive writes the same editor/deploy
// tool can produce.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
