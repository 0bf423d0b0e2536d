package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/gate"
	"github.com/nkiryanov/bitguard/internal/logger"
)

// Credential store backends
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

const (
	defaultAPIURL         = "http://127.0.0.1:8000/api/"
	defaultListenAddr     = "localhost:8080"
	defaultLoggingLevel   = logger.LevelWarn
	defaultEnvironment    = logger.EnvDevelopment
	defaultBackend        = BackendFile
	defaultProfile        = "default"
	defaultRequestTimeout = 15 * time.Second
)

type Config struct {
	// Base url of the REST api, all endpoints are relative to it
	APIURL string

	// Default logging level
	LogLevel string

	// Environment
	Environment string

	// Where credentials are kept between invocations: memory, file, postgres or redis
	CredentialsBackend string

	// File backend location. Empty means user config dir
	CredentialsPath string

	// Postgres backend
	DatabaseDSN string

	// Redis backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Secret key
	// File backend seals credentials with it when set
	SecretKey string

	// Profile separates credentials of several accounts in shared backends
	Profile string

	// Address on which 'serve' listens
	ListenAddr string

	// Where access gate sends users without entitlement
	UpsellPath string

	// Timeout of a single api request, renewal included
	RequestTimeout time.Duration
}

func NewConfig() *Config {
	return &Config{
		APIURL:             defaultAPIURL,
		LogLevel:           defaultLoggingLevel,
		Environment:        defaultEnvironment,
		CredentialsBackend: defaultBackend,
		Profile:            defaultProfile,
		ListenAddr:         defaultListenAddr,
		UpsellPath:         gate.DefaultUpsellPath,
		RequestTimeout:     defaultRequestTimeout,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	var errs []error

	// Set option to value if it not empty
	setString := func(o *string) func(key, value string) {
		return func(_, value string) {
			if value != "" {
				*o = value
			}
		}
	}
	setInt := func(o *int) func(key, value string) {
		return func(key, value string) {
			if value == "" {
				return
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*o = n
		}
	}
	setDuration := func(o *time.Duration) func(key, value string) {
		return func(key, value string) {
			if value == "" {
				return
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*o = d
		}
	}

	envMap := map[string]func(string, string){
		"CONSOLE_API_URL":             setString(&c.APIURL),
		"LOG_LEVEL":                   setString(&c.LogLevel),
		"ENVIRONMENT":                 setString(&c.Environment),
		"CONSOLE_CREDENTIALS_BACKEND": setString(&c.CredentialsBackend),
		"CONSOLE_CREDENTIALS_PATH":    setString(&c.CredentialsPath),
		"DATABASE_URI":                setString(&c.DatabaseDSN),
		"REDIS_ADDRESS":               setString(&c.RedisAddr),
		"REDIS_PASSWORD":              setString(&c.RedisPassword),
		"REDIS_DB":                    setInt(&c.RedisDB),
		"SECRET_KEY":                  setString(&c.SecretKey),
		"CONSOLE_PROFILE":             setString(&c.Profile),
		"RUN_ADDRESS":                 setString(&c.ListenAddr),
		"CONSOLE_UPSELL_PATH":         setString(&c.UpsellPath),
		"CONSOLE_REQUEST_TIMEOUT":     setDuration(&c.RequestTimeout),
	}

	for key, parseFn := range envMap {
		parseFn(key, getenv(key))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// RegisterFlags binds options to fs. Current values become flag defaults,
// so call it after env is loaded
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.APIURL, "api-url", c.APIURL, "REST api base url")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.CredentialsBackend, "credentials-backend", "b", c.CredentialsBackend, "Credentials backend (memory, file, postgres, redis)")
	fs.StringVar(&c.CredentialsPath, "credentials-path", c.CredentialsPath, "Credentials file for file backend")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string for postgres backend")
	fs.StringVar(&c.RedisAddr, "redis-address", c.RedisAddr, "Redis address for redis backend")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key to seal credentials file")
	fs.StringVarP(&c.Profile, "profile", "p", c.Profile, "Credentials profile")
	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVar(&c.UpsellPath, "upsell-path", c.UpsellPath, "Where users without subscription are sent")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Api request timeout")
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("console", pflag.ContinueOnError)
	c.RegisterFlags(fs)

	return fs.Parse(args)
}

// Validate checks options that can't be checked by type
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: api url %q must be absolute", apperrors.ErrInvalidConfig, c.APIURL)
	}

	switch c.CredentialsBackend {
	case BackendMemory, BackendFile:
	case BackendPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("%w: postgres backend requires database dsn", apperrors.ErrInvalidConfig)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis backend requires redis address", apperrors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown credentials backend %q", apperrors.ErrInvalidConfig, c.CredentialsBackend)
	}

	if c.Profile == "" {
		return fmt.Errorf("%w: profile must not be empty", apperrors.ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", apperrors.ErrInvalidConfig)
	}

	return nil
}
