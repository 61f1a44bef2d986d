package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	LogLevel            string        `mapstructure:"log_level"`
	LogEncoding         string        `mapstructure:"log_encoding"`
	AdminAddress        string        `mapstructure:"admin_address"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	DeviceName          string        `mapstructure:"device_name"`

	Storage StorageConfig `mapstructure:"storage"`
	Link    LinkConfig    `mapstructure:"link"`
	Mesh    MeshConfig    `mapstructure:"mesh"`
	Gateway GatewayConfig `mapstructure:"gateway"`
}

// StorageConfig describes the durable KV snapshot file.
type StorageConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// LinkConfig tunes the LAN proximity link.
type LinkConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	BeaconPort     int           `mapstructure:"beacon_port"`
	BeaconInterval time.Duration `mapstructure:"beacon_interval"`
	StaticPeers    []StaticPeer  `mapstructure:"static_peers"`
}

// StaticPeer preconfigures a dialable peer for networks without broadcast.
type StaticPeer struct {
	DeviceID string `mapstructure:"device_id"`
	Addr     string `mapstructure:"addr"`
}

// MeshConfig tunes router cadences.
type MeshConfig struct {
	AutoConnectInterval time.Duration `mapstructure:"auto_connect_interval"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

// GatewayConfig tunes the collector uploader. An empty endpoint disables the
// gateway role entirely.
type GatewayConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
}

const (
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultStoragePath         = "data/pigeon.json"
	defaultPassphraseEnv       = "PIGEON_STORAGE_PASSPHRASE"
	defaultListenAddr          = ":0"
	defaultBeaconPort          = 8790
	defaultBeaconInterval      = 3 * time.Second
	defaultAutoConnect         = 10 * time.Second
	defaultSweep               = 30 * time.Second
	defaultGatewaySync         = 30 * time.Second
	defaultGatewayBroadcast    = 30 * time.Second
	defaultGatewayProbe        = 10 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with PIGEON_ and override
// file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIGEON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_encoding", defaultLogEncoding)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod)
	v.SetDefault("storage.path", defaultStoragePath)
	v.SetDefault("storage.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("link.listen_addr", defaultListenAddr)
	v.SetDefault("link.beacon_port", defaultBeaconPort)
	v.SetDefault("link.beacon_interval", defaultBeaconInterval)
	v.SetDefault("mesh.auto_connect_interval", defaultAutoConnect)
	v.SetDefault("mesh.sweep_interval", defaultSweep)
	v.SetDefault("gateway.sync_interval", defaultGatewaySync)
	v.SetDefault("gateway.broadcast_interval", defaultGatewayBroadcast)
	v.SetDefault("gateway.probe_interval", defaultGatewayProbe)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogEncoding == "" {
		cfg.LogEncoding = defaultLogEncoding
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = defaultAdminAddress
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = defaultShutdownGracePeriod
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath
	}
	if cfg.Storage.PassphraseEnv == "" {
		cfg.Storage.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Link.ListenAddr == "" {
		cfg.Link.ListenAddr = defaultListenAddr
	}

	return cfg, nil
}

// Passphrase fetches the storage passphrase from the configured environment
// variable. Empty means the store stays plaintext.
func (c Config) Passphrase() string {
	env := c.Storage.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	return strings.TrimSpace(getenv(env))
}

// split out for testing.
var getenv = os.Getenv
