package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/parley-chat/parley/globals"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultListenAddr      = "localhost:8000"
	defaultSendQueueSize   = 256
	defaultSenderCacheSize = 512
	defaultRoomId          = "general"
)

// Config is the global configuration object which is filled via the configuration file,
// command-line flags and PARLEY_* environment variables.
type Config struct {
	ListenAddr        string            `mapstructure:"listen"`
	LogLevel          string            `mapstructure:"log_level"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	HubConfig         HubConfig         `mapstructure:"hub"`
}

// PersistenceConfig selects the storage backend. Type is one of "sqlite", "postgres"
// or "buntdb", DSN is the engine-specific data source (a file path for the embedded
// engines).
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// AuthConfig configures the identity resolver. If an OIDC provider is configured it
// takes precedence over the shared-secret JWT verifier.
type AuthConfig struct {
	JWTSecret  string     `mapstructure:"jwt_secret"`
	OIDCConfig OIDCConfig `mapstructure:"oidc"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to
// authenticate users via verification of an ID token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

// HubConfig holds the tunables of the messaging hub.
type HubConfig struct {
	// SendQueueSize bounds the per-session outbound queue. A session that
	// overflows its queue is disconnected.
	SendQueueSize int `mapstructure:"send_queue_size"`

	// AllowGuestPrivateRooms preserves the historic behavior of letting
	// unauthenticated (legacy) sessions join private rooms without a
	// membership check.
	AllowGuestPrivateRooms bool `mapstructure:"allow_guest_private_rooms"`

	// SenderCacheSize bounds the LRU cache of sender display views.
	SenderCacheSize int `mapstructure:"sender_cache_size"`

	// PresenceFlushCron is a cron spec for periodically persisting the
	// last-seen timestamps of connected users. Empty disables the flush.
	PresenceFlushCron string `mapstructure:"presence_flush_cron"`

	// DefaultRoom is created on startup when the store holds no rooms.
	DefaultRoom string `mapstructure:"default_room"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("listen", defaultListenAddr, "listen address (including port)")
	flagSet.String("log-level", "INFO", "log level")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.Replace(name, "-", "_", -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can
// either point to a single TOML file or to a directory, in which case all *.toml files
// in this directory are concatenated. It returns a Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("listen", defaultListenAddr)
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("hub.send_queue_size", defaultSendQueueSize)
	viper.SetDefault("hub.allow_guest_private_rooms", true)
	viper.SetDefault("hub.sender_cache_size", defaultSenderCacheSize)
	viper.SetDefault("hub.default_room", defaultRoomId)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("PARLEY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	return &cfg, nil
}
