package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileName is the config file looked up in the config directory.
const ConfigFileName = "felt.cfg.json"

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds SQLite storage backend settings. An empty Path keeps
// the database in memory and dumps it to DumpPath periodically.
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// StorageConfig selects and configures the relay's storage backend.
type StorageConfig struct {
	Type   string       `json:"type" mapstructure:"type"`
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`
	SQLite SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// DSN returns the Postgres connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

// RelayConfig holds relay server settings.
type RelayConfig struct {
	Listen       string
	Secret       string
	SendBuffer   int
	JoinTimeout  time.Duration
	Advertise    bool
	PersistQueue int
	// Instance names the relay in mDNS and metrics. Defaults to the host name.
	Instance string
}

// ClientConfig holds settings for clients connecting to a relay.
type ClientConfig struct {
	URL              string
	Secret           string
	Session          string
	UserName         string
	AckTimeout       time.Duration
	ReconnectBackoff time.Duration
	Discover         bool
}

// CanvasConfig holds canvas engine settings.
type CanvasConfig struct {
	ShapeLimit       int
	Width            float64
	Height           float64
	ShapeSize        float64
	TransientEnabled bool
}

// InfluxConfig holds relay metric export settings. Interval is the client
// flush interval.
type InfluxConfig struct {
	Enabled  bool
	URL      string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
}

// GraylogConfig holds GELF log shipping settings.
type GraylogConfig struct {
	Enabled bool
	Address string
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./feltlogs")

	viper.SetDefault("relay.listen", ":8787")
	viper.SetDefault("relay.secret", "")
	viper.SetDefault("relay.sendBuffer", 1024)
	viper.SetDefault("relay.joinTimeout", "10s")
	viper.SetDefault("relay.advertise", false)
	viper.SetDefault("relay.persistQueue", 10000)
	viper.SetDefault("relay.instance", "")

	viper.SetDefault("client.url", "ws://localhost:8787/v1/ws")
	viper.SetDefault("client.secret", "")
	viper.SetDefault("client.session", "default")
	viper.SetDefault("client.userName", "")
	viper.SetDefault("client.ackTimeout", "10s")
	viper.SetDefault("client.reconnectBackoff", "1s")
	viper.SetDefault("client.discover", false)

	viper.SetDefault("canvas.shapeLimit", 100)
	viper.SetDefault("canvas.width", 600)
	viper.SetDefault("canvas.height", 600)
	viper.SetDefault("canvas.shapeSize", 60)
	viper.SetDefault("canvas.transientEnabled", true)

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.outputDir", "./sessions")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.sqlite.path", "")
	viper.SetDefault("storage.sqlite.dumpPath", "./felt.db")
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "felt")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "felt")
	viper.SetDefault("influx.bucket", "felt-relay")
	viper.SetDefault("influx.interval", "10s")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "felt")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("monitor.interval", "30s")
	viper.SetDefault("monitor.statusFile", "")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(ConfigFileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")
	viper.SetEnvPrefix("felt")
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// GetStorageConfig returns the storage backend configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			Path:         viper.GetString("storage.sqlite.path"),
			DumpPath:     viper.GetString("storage.sqlite.dumpPath"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
	}
}

// GetDBConfig returns the Postgres connection settings.
func GetDBConfig() DBConfig {
	return DBConfig{
		Host:     viper.GetString("db.host"),
		Port:     viper.GetString("db.port"),
		Username: viper.GetString("db.username"),
		Password: viper.GetString("db.password"),
		Database: viper.GetString("db.database"),
	}
}

// GetRelayConfig returns the relay server configuration.
func GetRelayConfig() RelayConfig {
	return RelayConfig{
		Listen:       viper.GetString("relay.listen"),
		Secret:       viper.GetString("relay.secret"),
		SendBuffer:   viper.GetInt("relay.sendBuffer"),
		JoinTimeout:  viper.GetDuration("relay.joinTimeout"),
		Advertise:    viper.GetBool("relay.advertise"),
		PersistQueue: viper.GetInt("relay.persistQueue"),
		Instance:     viper.GetString("relay.instance"),
	}
}

// GetClientConfig returns the relay client configuration.
func GetClientConfig() ClientConfig {
	return ClientConfig{
		URL:              viper.GetString("client.url"),
		Secret:           viper.GetString("client.secret"),
		Session:          viper.GetString("client.session"),
		UserName:         viper.GetString("client.userName"),
		AckTimeout:       viper.GetDuration("client.ackTimeout"),
		ReconnectBackoff: viper.GetDuration("client.reconnectBackoff"),
		Discover:         viper.GetBool("client.discover"),
	}
}

// GetCanvasConfig returns the canvas engine configuration.
func GetCanvasConfig() CanvasConfig {
	return CanvasConfig{
		ShapeLimit:       viper.GetInt("canvas.shapeLimit"),
		Width:            viper.GetFloat64("canvas.width"),
		Height:           viper.GetFloat64("canvas.height"),
		ShapeSize:        viper.GetFloat64("canvas.shapeSize"),
		TransientEnabled: viper.GetBool("canvas.transientEnabled"),
	}
}

// GetInfluxConfig returns the InfluxDB export configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled: viper.GetBool("influx.enabled"),
		URL: fmt.Sprintf("%s://%s:%s",
			viper.GetString("influx.protocol"),
			viper.GetString("influx.host"),
			viper.GetString("influx.port"),
		),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
		Interval: viper.GetDuration("influx.interval"),
	}
}

// GetGraylogConfig returns the GELF configuration.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}
