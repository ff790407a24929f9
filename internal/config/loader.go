package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coopaaaaaah/rule-tooling/internal/db"
	"github.com/coopaaaaaah/rule-tooling/internal/domain"
	"github.com/coopaaaaaah/rule-tooling/internal/repository"
	"github.com/coopaaaaaah/rule-tooling/internal/transform"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override
const EnvPrefix = "RULEMIG"

// ErrUnknownEnvironment means --env names no configured environment
var ErrUnknownEnvironment = errors.New("unknown environment")

// LogConfig selects the log level and handler
type LogConfig struct {
	Level  string
	Format string
}

// Config is everything one invocation needs for a single environment
type Config struct {
	Env            string
	Database       db.Config
	Scenario       string
	ReadRetryLimit time.Duration
	SnapshotDir    string
	Log            LogConfig
	Mapping        transform.Table
	// Source is the config file that was read, empty when none was found
	Source string
}

// NewMapping validates and builds the perspectives mapping
func (c Config) NewMapping() (*transform.Mapping, error) {
	return transform.NewMapping(c.Mapping)
}

var databaseKeys = []string{"host", "port", "user", "password", "dbname", "sslmode"}

// Load reads config.yaml from configPath and resolves env. Database settings
// start from db.DefaultConfig; env vars like RULEMIG_STG_DB_HOST override them.
func Load(configPath, env string) (Config, error) {
	if err := domain.ValidateEnv(env); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("rules.scenario", repository.DefaultScenario)
	v.SetDefault("rules.read_retry", "10s")
	v.SetDefault("snapshots.dir", ".")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	envKey := "environments." + strings.ToLower(env) + ".database."
	envVar := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(env, "-", "_")) + "_DB_"
	for _, key := range databaseKeys {
		if err := v.BindEnv(envKey+key, envVar+strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", envVar+strings.ToUpper(key), err)
		}
	}

	cfg := Config{Env: env, Database: db.DefaultConfig()}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		cfg.Source = v.ConfigFileUsed()
	}

	known := v.IsSet("environments." + strings.ToLower(env))
	for _, key := range databaseKeys {
		known = known || v.IsSet(envKey+key)
	}
	if !known {
		return Config{}, fmt.Errorf("%w %q: add environments.%s to config.yaml or set %s* variables", ErrUnknownEnvironment, env, env, envVar)
	}

	if v.IsSet(envKey + "host") {
		cfg.Database.Host = v.GetString(envKey + "host")
	}
	if v.IsSet(envKey + "port") {
		cfg.Database.Port = v.GetInt(envKey + "port")
	}
	if v.IsSet(envKey + "user") {
		cfg.Database.User = v.GetString(envKey + "user")
	}
	if v.IsSet(envKey + "password") {
		cfg.Database.Password = v.GetString(envKey + "password")
	}
	if v.IsSet(envKey + "dbname") {
		cfg.Database.DBName = v.GetString(envKey + "dbname")
	}
	if v.IsSet(envKey + "sslmode") {
		cfg.Database.SSLMode = v.GetString(envKey + "sslmode")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		return Config{}, fmt.Errorf("environment %q: invalid database port %d", env, cfg.Database.Port)
	}

	cfg.Scenario = v.GetString("rules.scenario")
	cfg.ReadRetryLimit = v.GetDuration("rules.read_retry")
	cfg.SnapshotDir = v.GetString("snapshots.dir")
	cfg.Log = LogConfig{Level: v.GetString("log.level"), Format: v.GetString("log.format")}

	table, err := loadMapping(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Mapping = table
	if _, err := cfg.NewMapping(); err != nil {
		return Config{}, fmt.Errorf("invalid mapping: %w", err)
	}

	return cfg, nil
}

func loadMapping(v *viper.Viper) (transform.Table, error) {
	table := transform.DefaultTable()

	if v.IsSet("mapping.rewrite_type") {
		table.RewriteType = v.GetString("mapping.rewrite_type")
	}
	if v.IsSet("mapping.model") {
		table.FieldModel = v.GetString("mapping.model")
	}
	if v.IsSet("mapping.datatype") {
		table.FieldDatatype = v.GetString("mapping.datatype")
	}

	if v.IsSet("mapping.values") {
		raw, ok := v.Get("mapping.values").(map[string]any)
		if !ok {
			return table, fmt.Errorf("mapping.values must be a map of legacy value to perspectives")
		}
		values := make(map[string][]any, len(raw))
		for key, entry := range raw {
			switch e := entry.(type) {
			case []any:
				values[key] = e
			case string:
				values[key] = []any{e}
			default:
				return table, fmt.Errorf("mapping.values.%s must be a list, got %T", key, entry)
			}
		}
		table.Values = values
		table.Aliases = map[string]string{}
	}
	if v.IsSet("mapping.aliases") {
		table.Aliases = v.GetStringMapString("mapping.aliases")
	}

	return table, nil
}
