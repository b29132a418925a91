// Package config provides application configuration loaded from environment
// variables, optionally seeded from a .env file and a YAML file named by
// CONFIG_FILE. Use the package-level Get() function to obtain the singleton
// Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        // e.g. "8080"
	Env          string        // "development" | "production"
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
	RateLimitRPS float64       // per-client request rate, default 10
	RateBurst    int           // default 20
	// AllowedOrigins lists CORS and WebSocket origins accepted in production.
	AllowedOrigins []string

	BackofficeEnabled    bool     // default true
	BackofficePort       string   // default "8081"
	BackofficeAllowedIPs []string // empty = allow all
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
	MigrationsDir   string        // default "migrations"
}

// JWTConfig holds settings for verifying participant tokens. Tokens are
// issued by the external wallet/session service; the subject is the
// participant's ledger address.
type JWTConfig struct {
	Secret string // must be set
	Issuer string // optional; checked when non-empty
}

// LedgerConfig selects and configures the system of record.
type LedgerConfig struct {
	Driver          string        // "memory" | "postgres" | "evm"
	RPCURL          string        // evm: JSON-RPC endpoint (ws:// enables live logs)
	ChainID         int64         // evm: 0 = ask the node
	Contracts       []string      // evm: market contract addresses
	SignerKeys      []string      // evm: hex private keys the server may sign with
	Decimals        int32         // evm: stake token decimals, default 18
	RPCRate         float64       // evm: max RPC calls per second, default 20
	GasLimit        uint64        // evm: default 300000
	ReceiptTimeout  time.Duration // evm: default 2m
	DeployFromBlock uint64        // evm: first block scanned for PositionUpdated
}

// PriceConfig holds exchange API settings.
type PriceConfig struct {
	BinanceURL   string        // default "https://api.binance.com"
	BybitURL     string        // default "https://api.bybit.com"
	OKXURL       string        // default "https://www.okx.com"
	FetchTimeout time.Duration // default 2s
	CacheTTL     time.Duration // default 1s
	// Weight percentages (must sum to 100)
	BinanceWeight int // default 50
	BybitWeight   int // default 30
	OKXWeight     int // default 20
}

// CacheConfig selects the local snapshot cache.
type CacheConfig struct {
	Driver        string // "sqlite" | "redis" | "none"
	Path          string // sqlite file, default "strikemarket-cache.db"
	RedisAddr     string // default "localhost:6379"
	RedisPassword string
	RedisDB       int
	MaxAge        time.Duration // default 5m
	SaveEvery     time.Duration // live views write through at most this often, default 1m
}

// ViewConfig holds the cadences of an active market view.
type ViewConfig struct {
	PhasePoll      time.Duration // default 2s
	PoolPoll       time.Duration // default 3s
	HistoryRefresh time.Duration // default 500ms
	Tick           time.Duration // default 100ms
	DedupThreshold time.Duration // default 10s
	EventRetry     time.Duration // default 5s
}

// KeeperConfig drives the background resolver/expirer.
type KeeperConfig struct {
	Enabled  bool
	Interval time.Duration // default 5s
	Caller   string        // participant the keeper acts as
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	JWT    JWTConfig
	Ledger LedgerConfig
	Price  PriceConfig
	Cache  CacheConfig
	View   ViewConfig
	Keeper KeeperConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and
// valid, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}

	switch c.Ledger.Driver {
	case "memory":
		if c.IsProd() {
			errs = append(errs, errors.New("LEDGER_DRIVER=memory is not allowed in production"))
		}
	case "postgres":
		if c.IsProd() && c.DB.DSN == "" {
			errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
		}
	case "evm":
		if c.Ledger.RPCURL == "" {
			errs = append(errs, errors.New("LEDGER_RPC_URL must be set for the evm driver"))
		}
		if len(c.Ledger.Contracts) == 0 {
			errs = append(errs, errors.New("LEDGER_CONTRACTS must list at least one market contract"))
		}
		if c.Ledger.Decimals < 0 || c.Ledger.Decimals > 36 {
			errs = append(errs, fmt.Errorf("LEDGER_DECIMALS out of range: %d", c.Ledger.Decimals))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_DRIVER must be memory, postgres or evm, got %q", c.Ledger.Driver))
	}

	total := c.Price.BinanceWeight + c.Price.BybitWeight + c.Price.OKXWeight
	if total != 100 {
		errs = append(errs, fmt.Errorf(
			"price weights must sum to 100, got %d (Binance=%d Bybit=%d OKX=%d)",
			total, c.Price.BinanceWeight, c.Price.BybitWeight, c.Price.OKXWeight,
		))
	}

	switch c.Cache.Driver {
	case "sqlite", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("CACHE_DRIVER must be sqlite, redis or none, got %q", c.Cache.Driver))
	}

	if c.View.HistoryRefresh <= 0 || c.View.Tick <= 0 || c.View.PhasePoll <= 0 || c.View.PoolPoll <= 0 {
		errs = append(errs, errors.New("view periods must be positive"))
	}
	if c.Keeper.Enabled && c.Keeper.Caller == "" {
		errs = append(errs, errors.New("KEEPER_CALLER must be set when the keeper is enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once. Panics if loading
// fails; call this early in main() to catch misconfigurations at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = Load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Loader
// ──────────────────────────────────────────────────────────────────────────────

// source resolves a key from the environment first, then the YAML file.
type source struct {
	file map[string]string
}

// Load reads .env (if present), the YAML file named by CONFIG_FILE (if set)
// and the environment. Environment variables win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional

	src := source{file: map[string]string{}}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		vals, err := readYAML(path)
		if err != nil {
			return nil, err
		}
		src.file = vals
	}
	return src.load()
}

// readYAML reads a flat mapping of KEY: value pairs using the same names as
// the environment variables.
func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, len(val))
			for i, p := range val {
				parts[i] = fmt.Sprint(p)
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func (s source) load() (*Config, error) {
	cfg := &Config{}
	var errs []error
	collect := func(key string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	// ── Server ────────────────────────────────────────────────────────────────
	rps, err := s.getFloat("RATE_LIMIT_RPS", 10)
	collect("RATE_LIMIT_RPS", err)
	burst, err := s.getInt("RATE_LIMIT_BURST", 20)
	collect("RATE_LIMIT_BURST", err)
	backoffice, err := s.getBool("BACKOFFICE_ENABLED", true)
	collect("BACKOFFICE_ENABLED", err)

	cfg.Server = ServerConfig{
		Port:         s.getEnv("SERVER_PORT", "8080"),
		Env:          s.getEnv("ENVIRONMENT", "development"),
		ReadTimeout:  s.getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: s.getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		RateLimitRPS: rps,
		RateBurst:    burst,

		AllowedOrigins: s.getList("ALLOWED_ORIGINS"),

		BackofficeEnabled:    backoffice,
		BackofficePort:       s.getEnv("BACKOFFICE_PORT", "8081"),
		BackofficeAllowedIPs: s.getList("BACKOFFICE_ALLOWED_IPS"),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := s.getEnv("DATABASE_DSN", "")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			s.getEnv("DB_HOST", "localhost"),
			s.getEnv("DB_PORT", "5432"),
			s.getEnv("DB_USER", "postgres"),
			s.getEnv("DB_PASSWORD", ""),
			s.getEnv("DB_NAME", "strikemarket"),
			s.getEnv("DB_SSLMODE", "disable"),
		)
	}
	maxOpen, err := s.getInt("DB_MAX_OPEN_CONNS", 25)
	collect("DB_MAX_OPEN_CONNS", err)
	maxIdle, err := s.getInt("DB_MAX_IDLE_CONNS", 10)
	collect("DB_MAX_IDLE_CONNS", err)

	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: s.getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		MigrationsDir:   s.getEnv("DB_MIGRATIONS_DIR", "migrations"),
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		Secret: s.getEnv("JWT_SECRET", ""),
		Issuer: s.getEnv("JWT_ISSUER", ""),
	}

	// ── Ledger ────────────────────────────────────────────────────────────────
	chainID, err := s.getInt("LEDGER_CHAIN_ID", 0)
	collect("LEDGER_CHAIN_ID", err)
	decimals, err := s.getInt("LEDGER_DECIMALS", 18)
	collect("LEDGER_DECIMALS", err)
	rpcRate, err := s.getFloat("LEDGER_RPC_RATE", 20)
	collect("LEDGER_RPC_RATE", err)
	gasLimit, err := s.getInt("LEDGER_GAS_LIMIT", 300_000)
	collect("LEDGER_GAS_LIMIT", err)
	fromBlock, err := s.getInt("LEDGER_DEPLOY_BLOCK", 0)
	collect("LEDGER_DEPLOY_BLOCK", err)

	cfg.Ledger = LedgerConfig{
		Driver:          s.getEnv("LEDGER_DRIVER", "memory"),
		RPCURL:          s.getEnv("LEDGER_RPC_URL", ""),
		ChainID:         int64(chainID),
		Contracts:       s.getList("LEDGER_CONTRACTS"),
		SignerKeys:      s.getList("LEDGER_SIGNER_KEYS"),
		Decimals:        int32(decimals),
		RPCRate:         rpcRate,
		GasLimit:        uint64(gasLimit),
		ReceiptTimeout:  s.getDuration("LEDGER_RECEIPT_TIMEOUT", 2*time.Minute),
		DeployFromBlock: uint64(fromBlock),
	}

	// ── Price ─────────────────────────────────────────────────────────────────
	binW, err := s.getInt("PRICE_BINANCE_WEIGHT", 50)
	collect("PRICE_BINANCE_WEIGHT", err)
	byW, err := s.getInt("PRICE_BYBIT_WEIGHT", 30)
	collect("PRICE_BYBIT_WEIGHT", err)
	okxW, err := s.getInt("PRICE_OKX_WEIGHT", 20)
	collect("PRICE_OKX_WEIGHT", err)

	cfg.Price = PriceConfig{
		BinanceURL:    s.getEnv("PRICE_BINANCE_URL", "https://api.binance.com"),
		BybitURL:      s.getEnv("PRICE_BYBIT_URL", "https://api.bybit.com"),
		OKXURL:        s.getEnv("PRICE_OKX_URL", "https://www.okx.com"),
		FetchTimeout:  s.getDuration("PRICE_FETCH_TIMEOUT", 2*time.Second),
		CacheTTL:      s.getDuration("PRICE_CACHE_TTL", 1*time.Second),
		BinanceWeight: binW,
		BybitWeight:   byW,
		OKXWeight:     okxW,
	}

	// ── Cache ─────────────────────────────────────────────────────────────────
	redisDB, err := s.getInt("CACHE_REDIS_DB", 0)
	collect("CACHE_REDIS_DB", err)

	cfg.Cache = CacheConfig{
		Driver:        s.getEnv("CACHE_DRIVER", "sqlite"),
		Path:          s.getEnv("CACHE_PATH", "strikemarket-cache.db"),
		RedisAddr:     s.getEnv("CACHE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: s.getEnv("CACHE_REDIS_PASSWORD", ""),
		RedisDB:       redisDB,
		MaxAge:        s.getDuration("CACHE_MAX_AGE", 5*time.Minute),
		SaveEvery:     s.getDuration("CACHE_SAVE_EVERY", time.Minute),
	}

	// ── View ──────────────────────────────────────────────────────────────────
	cfg.View = ViewConfig{
		PhasePoll:      s.getDuration("VIEW_PHASE_POLL", 2*time.Second),
		PoolPoll:       s.getDuration("VIEW_POOL_POLL", 3*time.Second),
		HistoryRefresh: s.getDuration("VIEW_HISTORY_REFRESH", 500*time.Millisecond),
		Tick:           s.getDuration("VIEW_TICK", 100*time.Millisecond),
		DedupThreshold: s.getDuration("VIEW_DEDUP_THRESHOLD", 10*time.Second),
		EventRetry:     s.getDuration("VIEW_EVENT_RETRY", 5*time.Second),
	}

	// ── Keeper ────────────────────────────────────────────────────────────────
	keeperOn, err := s.getBool("KEEPER_ENABLED", false)
	collect("KEEPER_ENABLED", err)

	cfg.Keeper = KeeperConfig{
		Enabled:  keeperOn,
		Interval: s.getDuration("KEEPER_INTERVAL", 5*time.Second),
		Caller:   s.getEnv("KEEPER_CALLER", ""),
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func (s source) getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := s.file[key]; v != "" {
		return v
	}
	return defaultVal
}

func (s source) getInt(key string, defaultVal int) (int, error) {
	v := s.getEnv(key, "")
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func (s source) getFloat(key string, defaultVal float64) (float64, error) {
	v := s.getEnv(key, "")
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

func (s source) getBool(key string, defaultVal bool) (bool, error) {
	v := s.getEnv(key, "")
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid bool %q", v)
	}
	return b, nil
}

// getList splits a comma-separated value, dropping empty items.
func (s source) getList(key string) []string {
	var out []string
	for _, item := range strings.Split(s.getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getDuration parses a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the value is unset or unparsable.
func (s source) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := s.getEnv(key, "")
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
