package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	NATS     NATSConfig     `yaml:"nats"`
	Push     PushConfig     `yaml:"push"`
	JWT      JWTConfig      `yaml:"jwt"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// LedgerConfig blockchain ledger configuration
type LedgerConfig struct {
	RPCEndpoints    []string `yaml:"rpcEndpoints"`
	ChainID         int      `yaml:"chainId"`
	TollContract    string   `yaml:"tollContract"`    // toll/registry contract address
	FactoryContract string   `yaml:"factoryContract"` // top-up wallet factory address
	Relayer         string   `yaml:"relayer"`         // from-address for submitted transactions
	Timeout         int      `yaml:"timeout"`         // per-call timeout (seconds)
	PollInterval    int      `yaml:"pollInterval"`    // event poll interval (seconds)
	MockMode        bool     `yaml:"mockMode"`        // substitute in-memory ledger (non-production only)
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// PushConfig WebSocket push configuration
type PushConfig struct {
	Enabled bool `yaml:"enabled"`
}

// JWTConfig JWT authentication configuration
type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpiryHour int    `yaml:"expiryHour"`
}

// AdminConfig admin access control configuration
type AdminConfig struct {
	TOTPIssuer string   `yaml:"totpIssuer"`
	AllowedIPs []string `yaml:"allowedIPs"`
}

var AppConfig *Config

// LoadConfig loads the configuration file, preferring config.local.yaml when
// present, then applies environment overrides.
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	fmt.Printf("✅ [%s] Loading configuration from: %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)

	overrideFromEnv(&config)

	if err := validate(&config); err != nil {
		return err
	}

	AppConfig = &config
	return nil
}

// overrideFromEnv applies environment variable overrides
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if rpcEndpoints := os.Getenv("LEDGER_RPC_ENDPOINTS"); rpcEndpoints != "" {
		endpoints := strings.Split(rpcEndpoints, ",")
		config.Ledger.RPCEndpoints = config.Ledger.RPCEndpoints[:0]
		for _, e := range endpoints {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				config.Ledger.RPCEndpoints = append(config.Ledger.RPCEndpoints, trimmed)
			}
		}
	}
	if tollContract := os.Getenv("TOLL_CONTRACT"); tollContract != "" {
		config.Ledger.TollContract = tollContract
	}
	if factoryContract := os.Getenv("WALLET_FACTORY_CONTRACT"); factoryContract != "" {
		config.Ledger.FactoryContract = factoryContract
	}
	if relayer := os.Getenv("LEDGER_RELAYER"); relayer != "" {
		config.Ledger.Relayer = relayer
	}
	if mockMode := os.Getenv("LEDGER_MOCK_MODE"); mockMode != "" {
		config.Ledger.MockMode = mockMode == "true"
	}
	if pollInterval := os.Getenv("LEDGER_POLL_INTERVAL"); pollInterval != "" {
		if v, err := strconv.Atoi(pollInterval); err == nil {
			config.Ledger.PollInterval = v
		}
	}
	if timeout := os.Getenv("LEDGER_TIMEOUT"); timeout != "" {
		if v, err := strconv.Atoi(timeout); err == nil {
			config.Ledger.Timeout = v
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if natsTimeout := os.Getenv("NATS_TIMEOUT"); natsTimeout != "" {
		if t, err := strconv.Atoi(natsTimeout); err == nil {
			config.NATS.Timeout = t
		}
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		config.JWT.Secret = jwtSecret
	}
}

// validate enforces startup invariants. Mock mode must never silently
// activate in a production deployment.
func validate(config *Config) error {
	if config.Ledger.MockMode && IsProduction() {
		return fmt.Errorf("ledger mock mode is enabled but GIN_MODE=release; refusing to start")
	}
	if !config.Ledger.MockMode && len(config.Ledger.RPCEndpoints) == 0 {
		return fmt.Errorf("ledger rpcEndpoints is required when mock mode is disabled")
	}
	return nil
}

// IsProduction reports whether this deployment runs in release mode
func IsProduction() bool {
	return os.Getenv("GIN_MODE") == "release"
}

// LedgerTimeout returns the per-call ledger timeout with a sane default
func LedgerTimeout() time.Duration {
	if AppConfig != nil && AppConfig.Ledger.Timeout > 0 {
		return time.Duration(AppConfig.Ledger.Timeout) * time.Second
	}
	return 15 * time.Second
}

// PollInterval returns the ingestor poll interval with a sane default
func PollInterval() time.Duration {
	if AppConfig != nil && AppConfig.Ledger.PollInterval > 0 {
		return time.Duration(AppConfig.Ledger.PollInterval) * time.Second
	}
	return 5 * time.Second
}
