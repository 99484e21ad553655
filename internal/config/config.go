package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Logging       LoggingConfig  `yaml:"logging"`
	Debug         DebugConfig    `yaml:"debug"`
	Storage       StorageConfig  `yaml:"storage"`
	Telegram      TelegramConfig `yaml:"telegram"`
	Network       string         `yaml:"network"                            envconfig:"NETWORK"`
	ArkServerUrl  string         `yaml:"ark_server_url"                     envconfig:"ARK_SERVER_URL"`
	EsploraUrl    string         `yaml:"esplora_url"                        envconfig:"ESPLORA_URL"`
	MasterSeedFile string        `yaml:"master_seed_file"                   envconfig:"MASTER_SEED_FILE"`
	Database      string         `yaml:"database"                           envconfig:"DATABASE"`
	ListenAddress string         `yaml:"listen_address"                     envconfig:"LISTEN_ADDRESS"`
	ListenPort    uint           `yaml:"port"                               envconfig:"PORT"`
	MaxPayoutSats uint64         `yaml:"max_payout_sats"                    envconfig:"MAX_PAYOUT_SATS"`
	TxCheckInterval uint         `yaml:"transaction_check_interval_seconds" envconfig:"TRANSACTION_CHECK_INTERVAL_SECONDS"`
	VtxoSyncInterval uint        `yaml:"vtxo_sync_interval_seconds"         envconfig:"VTXO_SYNC_INTERVAL_SECONDS"`
	NonceRotationHours uint      `yaml:"nonce_rotation_hours"               envconfig:"NONCE_ROTATION_HOURS"`
	NonceValidityHours uint      `yaml:"nonce_validity_hours"               envconfig:"NONCE_VALIDITY_HOURS"`
	PollMode      bool           `yaml:"poll_mode"                          envconfig:"POLL_MODE"`
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOGGING_LEVEL"`
}

type DebugConfig struct {
	ListenAddress string `yaml:"address" envconfig:"DEBUG_ADDRESS"`
	ListenPort    uint   `yaml:"port"    envconfig:"DEBUG_PORT"`
}

type StorageConfig struct {
	Directory string `yaml:"dir" envconfig:"STORAGE_DIR"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"  envconfig:"TELEGRAM_TOKEN"`
	Secret string `yaml:"secret" envconfig:"TELEGRAM_SECRET"`
}

// Networks recognised by the Ark server, with the address prefix used
// for encoding Ark addresses on each
var networkPrefixes = map[string]string{
	"bitcoin":   "ark",
	"testnet":   "tark",
	"signet":    "tark",
	"mutinynet": "tark",
	"regtest":   "tark",
}

// Singleton config instance with default values
var globalConfig = &Config{
	Network:            "bitcoin",
	ArkServerUrl:       "http://localhost:7070",
	EsploraUrl:         "https://mempool.space/api",
	MasterSeedFile:     "./master-seed.hex",
	Database:           "./satsday.sqlite",
	ListenPort:         3000,
	MaxPayoutSats:      100_000,
	TxCheckInterval:    10,
	VtxoSyncInterval:   300,
	NonceRotationHours: 24,
	NonceValidityHours: 24,
	Logging: LoggingConfig{
		Level: "info",
	},
	Debug: DebugConfig{
		ListenAddress: "localhost",
		ListenPort:    0,
	},
	Storage: StorageConfig{
		Directory: "./.satsday",
	},
}

func Load(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %s", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %s", err)
		}
	}
	// Load config values from environment variables
	// We use "dummy" as the app name here to (mostly) prevent picking up env
	// vars that we hadn't explicitly specified in annotations above
	err := envconfig.Process("dummy", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %s", err)
	}
	// Check network name
	if _, ok := networkPrefixes[globalConfig.Network]; !ok {
		return nil, fmt.Errorf("unknown network name: %s", globalConfig.Network)
	}
	return globalConfig, nil
}

// Return global config instance
func GetConfig() *Config {
	return globalConfig
}

// AddressPrefix returns the Ark address prefix for the configured network
func (cfg *Config) AddressPrefix() string {
	return networkPrefixes[cfg.Network]
}

// IsMainnet returns true when the configured network is the Bitcoin main network
func (cfg *Config) IsMainnet() bool {
	return cfg.Network == "bitcoin"
}
