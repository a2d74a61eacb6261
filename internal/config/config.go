package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/scalperguard/resale-guard/internal/domain"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`     // Maximum number of open connections to the database
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`     // Maximum number of idle connections in the pool
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`  // Maximum amount of time a connection may be reused (e.g., "5m", "1h")
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"` // Maximum amount of time a connection may be idle (e.g., "10m", "30m")
}

// StoreConfig selects and configures the durable record log
type StoreConfig struct {
	// Driver is one of jsonl, sqlite, postgres
	Driver     string         `mapstructure:"driver"`
	Dir        string         `mapstructure:"dir"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Database   DatabaseConfig `mapstructure:"database"`
}

// NATSConfig holds NATS JetStream configuration. An empty URL disables the record feed.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectionName string        `mapstructure:"connection_name"`
}

// EthereumConfig holds Ethereum-specific configuration
type EthereumConfig struct {
	WebSocketURL             string        `mapstructure:"websocket_url"`
	ChainID                  domain.Chain  `mapstructure:"chain_id"`
	ContractAddress          string        `mapstructure:"contract_address"`
	StartBlock               uint64        `mapstructure:"start_block"`
	BackfillBlockRange       uint64        `mapstructure:"backfill_block_range"`
	TimestampCacheSize       int           `mapstructure:"timestamp_cache_size"`
	ReconnectInitialInterval time.Duration `mapstructure:"reconnect_initial_interval"`
	ReconnectMaxInterval     time.Duration `mapstructure:"reconnect_max_interval"`
	ReconnectMaxElapsedTime  time.Duration `mapstructure:"reconnect_max_elapsed_time"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
}

// RetryConfig holds an exponential backoff schedule
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	// MaxElapsedTime bounds the whole schedule; 0 retries forever
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`
}

// PolicyConfig holds the resale policy a harness ledger is deployed with
type PolicyConfig struct {
	FaceValue string `mapstructure:"face_value"`
	// EventStart is an absolute epoch; when zero the start is EventStartIn from now
	EventStart              int64         `mapstructure:"event_start"`
	EventStartIn            time.Duration `mapstructure:"event_start_in"`
	CooldownSeconds         int64         `mapstructure:"cooldown_seconds"`
	BlockBeforeStartSeconds int64         `mapstructure:"block_before_start_seconds"`
}

// Resolve returns the domain policy configuration relative to now
func (c PolicyConfig) Resolve(now time.Time) domain.PolicyConfig {
	start := c.EventStart
	if start == 0 {
		start = now.Add(c.EventStartIn).Unix()
	}
	return domain.PolicyConfig{
		FaceValue:               c.FaceValue,
		EventStart:              start,
		CooldownSeconds:         c.CooldownSeconds,
		BlockBeforeStartSeconds: c.BlockBeforeStartSeconds,
	}
}

// IndexerConfig holds configuration for resale-indexer
type IndexerConfig struct {
	BaseConfig `mapstructure:",squash"`
	Ethereum   EthereumConfig `mapstructure:"ethereum"`
	Store      StoreConfig    `mapstructure:"store"`
	NATS       NATSConfig     `mapstructure:"nats"`
	Server     ServerConfig   `mapstructure:"server"`
	WriteRetry RetryConfig    `mapstructure:"write_retry"`
	// Restart is the schedule the supervisor restarts a failed indexer run with
	Restart RetryConfig `mapstructure:"restart"`
}

// HarnessConfig holds configuration for resale-harness
type HarnessConfig struct {
	BaseConfig `mapstructure:",squash"`
	Policy     PolicyConfig `mapstructure:"policy"`
	Deployer   string       `mapstructure:"deployer"`
	IdentityA  string       `mapstructure:"identity_a"`
	IdentityB  string       `mapstructure:"identity_b"`
	ItemID     string       `mapstructure:"item_id"`
	Iterations int          `mapstructure:"iterations"`
	// PacingInterval is the wait between two attempts
	PacingInterval time.Duration `mapstructure:"pacing_interval"`
	// RetryReasons lists the rejection reasons retried with the Retry schedule
	RetryReasons []string    `mapstructure:"retry_reasons"`
	Retry        RetryConfig `mapstructure:"retry"`
	// SimulatedTime makes waits advance a simulated clock instead of sleeping
	SimulatedTime bool `mapstructure:"simulated_time"`
	// OutputDir receives the JSONL record logs of an in-process indexer; empty disables it
	OutputDir string `mapstructure:"output_dir"`
}

// CheckConfig holds configuration for resale-check
type CheckConfig struct {
	BaseConfig `mapstructure:",squash"`
	Ethereum   EthereumConfig `mapstructure:"ethereum"`
	// Timeout bounds the whole check
	Timeout time.Duration `mapstructure:"timeout"`
}

// Validate checks the fields resale-indexer cannot start without
func (c *IndexerConfig) Validate() error {
	if err := c.Ethereum.validate(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "jsonl":
		if c.Store.Dir == "" {
			return errors.New("store.dir is required")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required")
		}
	case "postgres":
		if c.Store.Database.Host == "" {
			return errors.New("store.database.host is required")
		}
		if c.Store.Database.DBName == "" {
			return errors.New("store.database.dbname is required")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

// Validate checks the fields resale-harness cannot start without
func (c *HarnessConfig) Validate() error {
	if c.Policy.EventStart == 0 && c.Policy.EventStartIn <= 0 {
		return errors.New("policy.event_start or policy.event_start_in is required")
	}
	if domain.NormalizeIdentity(c.Deployer).IsZero() {
		return errors.New("deployer is required")
	}
	if domain.NormalizeIdentity(c.IdentityA).IsZero() || domain.NormalizeIdentity(c.IdentityB).IsZero() {
		return errors.New("identity_a and identity_b are required")
	}
	if c.ItemID == "" {
		return errors.New("item_id is required")
	}
	if c.Iterations <= 0 {
		return errors.New("iterations must be positive")
	}
	return nil
}

// Validate checks the fields resale-check cannot start without
func (c *CheckConfig) Validate() error {
	return c.Ethereum.validate()
}

func (c *EthereumConfig) validate() error {
	if c.WebSocketURL == "" {
		return errors.New("ethereum.websocket_url is required")
	}
	if c.ContractAddress == "" {
		return errors.New("ethereum.contract_address is required")
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("ethereum.contract_address %q is not a valid address", c.ContractAddress)
	}
	if c.ChainID == "" {
		return errors.New("ethereum.chain_id is required")
	}
	return nil
}

// LoadIndexerConfig loads configuration for resale-indexer
func LoadIndexerConfig(configFile string, envPath string) (*IndexerConfig, error) {
	v := configureViper("resale-indexer", configFile, envPath)

	// Set defaults
	setEthereumDefaults(v)
	v.SetDefault("store.driver", "jsonl")
	v.SetDefault("store.dir", "data/")
	v.SetDefault("store.database.port", 5432)
	v.SetDefault("store.database.sslmode", "disable")
	v.SetDefault("store.database.max_open_conns", 10)
	v.SetDefault("store.database.max_idle_conns", 5)
	v.SetDefault("store.database.conn_max_lifetime", "1h")
	v.SetDefault("store.database.conn_max_idle_time", "10m")
	v.SetDefault("nats.subject_prefix", "records")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connection_name", "resale-indexer")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("write_retry.initial_interval", "500ms")
	v.SetDefault("write_retry.max_interval", "10s")
	v.SetDefault("write_retry.max_elapsed_time", "1m")
	v.SetDefault("restart.initial_interval", "1s")
	v.SetDefault("restart.max_interval", "1m")
	v.SetDefault("restart.max_elapsed_time", "0s")

	if err := readInConfig(v); err != nil {
		return nil, err
	}

	var cfg IndexerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadHarnessConfig loads configuration for resale-harness
func LoadHarnessConfig(configFile string, envPath string) (*HarnessConfig, error) {
	v := configureViper("resale-harness", configFile, envPath)

	// Set defaults
	v.SetDefault("policy.face_value", "10000000000000000") // 0.01 ether
	v.SetDefault("policy.event_start_in", "24h")
	v.SetDefault("policy.cooldown_seconds", 600)
	v.SetDefault("policy.block_before_start_seconds", 3600)
	v.SetDefault("deployer", "0x00000000000000000000000000000000000000d0")
	v.SetDefault("identity_a", "0x00000000000000000000000000000000000000a1")
	v.SetDefault("identity_b", "0x00000000000000000000000000000000000000b2")
	v.SetDefault("item_id", "1")
	v.SetDefault("iterations", 6)
	v.SetDefault("pacing_interval", "10m")
	v.SetDefault("retry_reasons", []string{"CooldownActive"})
	v.SetDefault("retry.initial_interval", "1m")
	v.SetDefault("retry.max_interval", "5m")
	v.SetDefault("retry.max_elapsed_time", "15m")
	v.SetDefault("simulated_time", true)

	if err := readInConfig(v); err != nil {
		return nil, err
	}

	var cfg HarnessConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadCheckConfig loads configuration for resale-check
func LoadCheckConfig(configFile string, envPath string) (*CheckConfig, error) {
	v := configureViper("resale-check", configFile, envPath)

	// Set defaults
	setEthereumDefaults(v)
	v.SetDefault("timeout", "30s")

	if err := readInConfig(v); err != nil {
		return nil, err
	}

	var cfg CheckConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setEthereumDefaults(v *viper.Viper) {
	v.SetDefault("ethereum.chain_id", string(domain.ChainEthereumSepolia))
	v.SetDefault("ethereum.backfill_block_range", 10000)
	v.SetDefault("ethereum.timestamp_cache_size", 4096)
	v.SetDefault("ethereum.reconnect_initial_interval", "1s")
	v.SetDefault("ethereum.reconnect_max_interval", "30s")
	v.SetDefault("ethereum.reconnect_max_elapsed_time", "5m")
}

// readInConfig reads the config file; a missing file falls back to environment variables
func readInConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	// Load environment variables
	loadEnv(envPath, service)

	// Set config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// Search for config.yaml in multiple locations:
		// 1. Current directory
		v.AddConfigPath(".")
		// 2. Service-specific directory (e.g., cmd/resale-indexer/)
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		// 3. Config directory
		v.AddConfigPath("config/")
	}

	// Set environment variables
	v.SetEnvPrefix("RESALE_GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind all environment variables
	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables
// This is required for viper to map env vars to config struct fields when no config file exists
func bindAllEnvVars(v *viper.Viper) {
	commonKeys := []string{
		"debug",
		"sentry_dsn",
		// Ethereum
		"ethereum.websocket_url",
		"ethereum.chain_id",
		"ethereum.contract_address",
		"ethereum.start_block",
		"ethereum.backfill_block_range",
		"ethereum.timestamp_cache_size",
		"ethereum.reconnect_initial_interval",
		"ethereum.reconnect_max_interval",
		"ethereum.reconnect_max_elapsed_time",
		// Store
		"store.driver",
		"store.dir",
		"store.sqlite_path",
		"store.database.host",
		"store.database.port",
		"store.database.user",
		"store.database.password",
		"store.database.dbname",
		"store.database.sslmode",
		"store.database.max_open_conns",
		"store.database.max_idle_conns",
		"store.database.conn_max_lifetime",
		"store.database.conn_max_idle_time",
		// NATS
		"nats.url",
		"nats.subject_prefix",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		"nats.connection_name",
		// Server
		"server.enabled",
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		// Retry schedules
		"write_retry.initial_interval",
		"write_retry.max_interval",
		"write_retry.max_elapsed_time",
		"restart.initial_interval",
		"restart.max_interval",
		"restart.max_elapsed_time",
		// Harness
		"policy.face_value",
		"policy.event_start",
		"policy.event_start_in",
		"policy.cooldown_seconds",
		"policy.block_before_start_seconds",
		"deployer",
		"identity_a",
		"identity_b",
		"item_id",
		"iterations",
		"pacing_interval",
		"retry_reasons",
		"retry.initial_interval",
		"retry.max_interval",
		"retry.max_elapsed_time",
		"simulated_time",
		"output_dir",
		// Check
		"timeout",
	}

	for _, key := range commonKeys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	// Always try shared base first, then local, then optional per-service local.
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	// Default to config directory
	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

// ChdirRepoRoot changes the current working directory to the repository root
func ChdirRepoRoot() {
	cwd, _ := os.Getwd()
	for range 5 {
		if _, err := os.Stat(filepath.Join(cwd, "config")); err == nil {
			_ = os.Chdir(cwd)
			return
		}
		cwd = filepath.Dir(cwd)
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
