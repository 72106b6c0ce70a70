package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	// Device identity and configuration source
	Device DeviceConfig `yaml:"device" json:"device"`

	// Local control API and display bridge
	Server ServerConfig `yaml:"server" json:"server"`

	// Cache index database
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Offline asset cache
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Remote input handling
	Input InputConfig `yaml:"input" json:"input"`

	// MQTT remote control plane
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// DeviceConfig describes where the device configuration document comes from
type DeviceConfig struct {
	ID              string        `yaml:"id" json:"id" env:"SIGNAGE_DEVICE_ID"`
	APIBase         string        `yaml:"api_base" json:"api_base" env:"SIGNAGE_API_BASE" default:"https://devices.dev.easyboard.co.in"`
	DataDir         string        `yaml:"data_dir" json:"data_dir" env:"SIGNAGE_DATA_DIR" default:"./data"`
	SnapshotPath    string        `yaml:"snapshot_path" json:"snapshot_path" env:"SIGNAGE_SNAPSHOT_PATH"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" json:"fetch_timeout" env:"SIGNAGE_FETCH_TIMEOUT" default:"15s"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval" env:"SIGNAGE_REFRESH_INTERVAL" default:"0s"`
	WarmUpTimeout   time.Duration `yaml:"warmup_timeout" json:"warmup_timeout" env:"SIGNAGE_WARMUP_TIMEOUT" default:"1200ms"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"SIGNAGE_HOST" default:"127.0.0.1"`
	Port         int           `yaml:"port" json:"port" env:"SIGNAGE_PORT" default:"8686"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"SIGNAGE_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"SIGNAGE_WRITE_TIMEOUT" default:"30s"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors" env:"SIGNAGE_ENABLE_CORS" default:"true"`
}

// DatabaseConfig selects the cache index backend
type DatabaseConfig struct {
	Type       string `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path" env:"SQLITE_PATH"`
	Host       string `yaml:"host" json:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port       int    `yaml:"port" json:"port" env:"POSTGRES_PORT" default:"5432"`
	User       string `yaml:"user" json:"user" env:"POSTGRES_USER"`
	Password   string `yaml:"password" json:"-" env:"POSTGRES_PASSWORD"`
	Name       string `yaml:"name" json:"name" env:"POSTGRES_DB" default:"signage"`
}

// CacheConfig holds offline asset cache settings
type CacheConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled" env:"SIGNAGE_CACHE_ENABLED" default:"true"`
	Dir              string        `yaml:"dir" json:"dir" env:"SIGNAGE_CACHE_DIR"`
	Prefetch         bool          `yaml:"prefetch" json:"prefetch" env:"SIGNAGE_CACHE_PREFETCH" default:"true"`
	PrimeLimit       int           `yaml:"prime_limit" json:"prime_limit" env:"SIGNAGE_PRIME_LIMIT" default:"20"`
	PrimeParallelism int           `yaml:"prime_parallelism" json:"prime_parallelism" env:"SIGNAGE_PRIME_PARALLELISM" default:"4"`
	MaxFileSize      int64         `yaml:"max_file_size" json:"max_file_size" env:"SIGNAGE_CACHE_MAX_FILE_SIZE" default:"1073741824"`
	DownloadTimeout  time.Duration `yaml:"download_timeout" json:"download_timeout" env:"SIGNAGE_DOWNLOAD_TIMEOUT" default:"10m"`
}

// InputConfig holds remote input settings
type InputConfig struct {
	Debounce     time.Duration `yaml:"debounce" json:"debounce" env:"SIGNAGE_INPUT_DEBOUNCE" default:"100ms"`
	ExitOnReturn bool          `yaml:"exit_on_return" json:"exit_on_return" env:"SIGNAGE_EXIT_ON_RETURN" default:"false"`
	ExitCommand  []string      `yaml:"exit_command" json:"exit_command" env:"SIGNAGE_EXIT_COMMAND"`
}

// MQTTConfig holds the optional MQTT control plane settings
type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled" env:"SIGNAGE_MQTT_ENABLED" default:"false"`
	Broker       string `yaml:"broker" json:"broker" env:"SIGNAGE_MQTT_BROKER" default:"tcp://localhost:1883"`
	ClientID     string `yaml:"client_id" json:"client_id" env:"SIGNAGE_MQTT_CLIENT_ID"`
	Username     string `yaml:"username" json:"username" env:"SIGNAGE_MQTT_USERNAME"`
	Password     string `yaml:"password" json:"-" env:"SIGNAGE_MQTT_PASSWORD"`
	ControlTopic string `yaml:"control_topic" json:"control_topic" env:"SIGNAGE_MQTT_CONTROL_TOPIC" default:"signage/{device}/control"`
	StatusTopic  string `yaml:"status_topic" json:"status_topic" env:"SIGNAGE_MQTT_STATUS_TOPIC" default:"signage/{device}/status"`
	QoS          int    `yaml:"qos" json:"qos" env:"SIGNAGE_MQTT_QOS" default:"1"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT" default:"text"`
}

// ConfigManager manages application configuration
type ConfigManager struct {
	config     *Config
	configPath string
	watchers   []ConfigWatcher
	mu         sync.RWMutex
}

// ConfigWatcher is a function that gets called when configuration changes
type ConfigWatcher func(oldConfig, newConfig *Config)

var (
	globalConfigManager *ConfigManager
	configOnce          sync.Once
)

// GetConfigManager returns the global configuration manager
func GetConfigManager() *ConfigManager {
	configOnce.Do(func() {
		globalConfigManager = NewConfigManager()
	})
	return globalConfigManager
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config:   DefaultConfig(),
		watchers: make([]ConfigWatcher, 0),
	}
}

// DefaultConfig returns a configuration built from the default struct tags
// with derived values filled in.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := applyDefaults(reflect.ValueOf(cfg).Elem()); err != nil {
		// default tags are compile-time constants; a failure here is a typo
		panic(fmt.Sprintf("invalid default tag: %v", err))
	}
	applyDerivedConfig(cfg)
	return cfg
}

// LoadConfig loads configuration from file and environment
func (cm *ConfigManager) LoadConfig(configPath string) error {
	cm.mu.Lock()

	oldConfig := *cm.config
	cm.configPath = configPath

	newConfig := &Config{}
	if err := applyDefaults(reflect.ValueOf(newConfig).Elem()); err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("failed to apply defaults: %w", err)
	}

	if configPath != "" && fileExists(configPath) {
		if err := loadFromFile(configPath, newConfig); err != nil {
			cm.mu.Unlock()
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem()); err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	applyDerivedConfig(newConfig)

	if err := newConfig.Validate(); err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = newConfig
	watchers := append([]ConfigWatcher(nil), cm.watchers...)
	cm.mu.Unlock()

	for _, watcher := range watchers {
		go watcher(&oldConfig, newConfig)
	}
	return nil
}

// GetConfig returns a copy of the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	return &configCopy
}

// ConfigPath returns the file the configuration was last loaded from
func (cm *ConfigManager) ConfigPath() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.configPath
}

// AddWatcher adds a configuration change watcher
func (cm *ConfigManager) AddWatcher(watcher ConfigWatcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Cache.PrimeLimit <= 0 {
		return fmt.Errorf("invalid cache prime limit: %d", c.Cache.PrimeLimit)
	}
	if c.Cache.PrimeParallelism <= 0 {
		return fmt.Errorf("invalid cache prime parallelism: %d", c.Cache.PrimeParallelism)
	}
	if c.Input.Debounce < 0 {
		return fmt.Errorf("invalid input debounce: %s", c.Input.Debounce)
	}
	if c.Device.RefreshInterval < 0 {
		return fmt.Errorf("invalid refresh interval: %s", c.Device.RefreshInterval)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}
	return nil
}

// Topic expands the {device} placeholder of an MQTT topic.
func (c *Config) Topic(pattern string) string {
	return strings.ReplaceAll(pattern, "{device}", c.Device.ID)
}

// Helper methods

func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// applyDefaults sets every field carrying a default tag.
func applyDefaults(v reflect.Value) error {
	return walkTagged(v, "default", func(field reflect.Value, value string) error {
		return setFieldValue(field, value)
	})
}

// loadStructFromEnv overrides fields whose env variable is set.
func loadStructFromEnv(v reflect.Value) error {
	return walkTagged(v, "env", func(field reflect.Value, name string) error {
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return nil
		}
		return setFieldValue(field, value)
	})
}

func walkTagged(v reflect.Value, tag string, fn func(field reflect.Value, tagValue string) error) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		// Handle nested structs recursively
		if field.Kind() == reflect.Struct {
			if err := walkTagged(field, tag, fn); err != nil {
				return err
			}
			continue
		}

		tagValue := fieldType.Tag.Get(tag)
		if tagValue == "" {
			continue
		}

		if err := fn(field, tagValue); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %v", field.Type())
		}
		values := strings.Split(value, ",")
		for i, v := range values {
			values[i] = strings.TrimSpace(v)
		}
		field.Set(reflect.ValueOf(values))
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}

func applyDerivedConfig(config *Config) {
	if config.Device.SnapshotPath == "" {
		config.Device.SnapshotPath = filepath.Join(config.Device.DataDir, "last_config.json")
	}

	if config.Database.SQLitePath == "" {
		config.Database.SQLitePath = filepath.Join(config.Device.DataDir, "signage.db")
	}

	if config.Cache.Dir == "" {
		config.Cache.Dir = filepath.Join(config.Device.DataDir, "media")
	}

	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = "signage-" + config.Device.ID
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Global convenience functions

// Get returns the current global configuration
func Get() *Config {
	return GetConfigManager().GetConfig()
}

// Load loads configuration from the specified path
func Load(configPath string) error {
	return GetConfigManager().LoadConfig(configPath)
}

// AddWatcher adds a global configuration watcher
func AddWatcher(watcher ConfigWatcher) {
	GetConfigManager().AddWatcher(watcher)
}
