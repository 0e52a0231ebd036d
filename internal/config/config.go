package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 5000
	DefaultUploadDir         = "uploads"
	DefaultMaxUploadSize     = "100MB"
	DefaultEngineTimeout     = 300 * time.Second
	DefaultEngineGracePeriod = 5 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second

	defaultEnvFile = ".env"
)

// Keys are the viper keys; each is bound to the environment variable of the
// same name in upper case, except engine_path.
const (
	KeyHost              = "host"
	KeyPort              = "port"
	KeyUploadDir         = "upload_dir"
	KeyMaxUploadSize     = "max_upload_size"
	KeyEnginePath        = "engine_path"
	KeyEngineArgs        = "engine_args"
	KeyEngineTimeout     = "engine_timeout"
	KeyEngineGracePeriod = "engine_grace_period"
	KeyShutdownTimeout   = "shutdown_timeout"
	KeyLogVerbose        = "log_verbose"
	KeyLogJSON           = "log_json"
)

var (
	// ErrInvalid marks configuration values that failed to parse or validate.
	ErrInvalid = errors.New("invalid configuration")
	// ErrEnvFile marks an env file that could not be read.
	ErrEnvFile = errors.New("env file")
)

var envNames = map[string]string{
	KeyHost:              "HOST",
	KeyPort:              "PORT",
	KeyUploadDir:         "UPLOAD_DIR",
	KeyMaxUploadSize:     "MAX_UPLOAD_SIZE",
	KeyEnginePath:        "VOXSERVE_ENGINE_PATH",
	KeyEngineArgs:        "ENGINE_ARGS",
	KeyEngineTimeout:     "ENGINE_TIMEOUT",
	KeyEngineGracePeriod: "ENGINE_GRACE_PERIOD",
	KeyShutdownTimeout:   "SHUTDOWN_TIMEOUT",
	KeyLogVerbose:        "LOG_VERBOSE",
	KeyLogJSON:           "LOG_JSON",
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Addr returns host:port suitable for net.Listen.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *ServerConfig) ApplyDefaults() {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (got: %d)", c.Port)
	}
	return nil
}

type UploadConfig struct {
	Dir      string
	MaxBytes int64
}

func (c *UploadConfig) ApplyDefaults() {
	if strings.TrimSpace(c.Dir) == "" {
		c.Dir = DefaultUploadDir
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 100 << 20
	}
}

func (c *UploadConfig) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return errors.New("upload directory is required")
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("max upload size must be positive (got: %d)", c.MaxBytes)
	}
	return nil
}

type EngineConfig struct {
	// Path is empty when the engine should be resolved next to the binary or
	// on PATH.
	Path        string
	Args        []string
	Timeout     time.Duration
	GracePeriod time.Duration
}

func (c *EngineConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultEngineTimeout
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultEngineGracePeriod
	}
}

func (c *EngineConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("engine timeout must be positive (got: %s)", c.Timeout)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("engine grace period must be positive (got: %s)", c.GracePeriod)
	}
	return nil
}

type LogConfig struct {
	Verbose bool
	JSON    bool
}

type Config struct {
	Server ServerConfig
	Upload UploadConfig
	Engine EngineConfig
	Log    LogConfig
}

func (c *Config) ApplyDefaults() {
	c.Server.ApplyDefaults()
	c.Upload.ApplyDefaults()
	c.Engine.ApplyDefaults()
}

func (c *Config) Validate() error {
	return errors.Join(
		c.Server.Validate(),
		c.Upload.Validate(),
		c.Engine.Validate(),
	)
}

type LoadOptions struct {
	// EnvFile is loaded into the process environment before reading. When
	// empty, ./.env is used if it exists.
	EnvFile string
	// Flags, when set, override environment values for flags the user set.
	Flags *pflag.FlagSet
}

// Load reads configuration from defaults, an optional .env file, the
// environment and command-line flags, in increasing priority.
func Load(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	v := newViper()
	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, err
		}
	}

	maxBytes, err := ParseSize(v.GetString(KeyMaxUploadSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, envNames[KeyMaxUploadSize], err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString(KeyHost),
			Port:            v.GetInt(KeyPort),
			ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
		},
		Upload: UploadConfig{
			Dir:      v.GetString(KeyUploadDir),
			MaxBytes: maxBytes,
		},
		Engine: EngineConfig{
			Path:        strings.TrimSpace(v.GetString(KeyEnginePath)),
			Args:        strings.Fields(v.GetString(KeyEngineArgs)),
			Timeout:     v.GetDuration(KeyEngineTimeout),
			GracePeriod: v.GetDuration(KeyEngineGracePeriod),
		},
		Log: LogConfig{
			Verbose: v.GetBool(KeyLogVerbose),
			JSON:    v.GetBool(KeyLogJSON),
		},
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyHost, DefaultHost)
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyUploadDir, DefaultUploadDir)
	v.SetDefault(KeyMaxUploadSize, DefaultMaxUploadSize)
	v.SetDefault(KeyEngineTimeout, DefaultEngineTimeout)
	v.SetDefault(KeyEngineGracePeriod, DefaultEngineGracePeriod)
	v.SetDefault(KeyShutdownTimeout, DefaultShutdownTimeout)
	v.SetDefault(KeyLogVerbose, false)
	v.SetDefault(KeyLogJSON, false)

	for key, env := range envNames {
		// BindEnv only errors without a key.
		_ = v.BindEnv(key, env)
	}
	return v
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"host":                KeyHost,
	"port":                KeyPort,
	"upload-dir":          KeyUploadDir,
	"max-upload-size":     KeyMaxUploadSize,
	"engine":              KeyEnginePath,
	"engine-args":         KeyEngineArgs,
	"engine-timeout":      KeyEngineTimeout,
	"engine-grace-period": KeyEngineGracePeriod,
	"shutdown-timeout":    KeyShutdownTimeout,
	"verbose":             KeyLogVerbose,
	"json":                KeyLogJSON,
}

// bindFlags binds only flags the user changed, so an unset flag's default
// never hides an environment value.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func loadEnvFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultEnvFile
	}

	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w %s: %w", ErrEnvFile, path, err)
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w %s: %w", ErrEnvFile, path, err)
	}
	return nil
}
