// Package config loads the server-wide configuration file described in
// spec.md section 6. It follows the teacher's viper-based layout: a single
// struct tagged with mapstructure, bound to environment variables so any
// option can be overridden without touching the file on disk.
package config

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every option the core consumes at runtime.
type Config struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`

	BanWords            []string `mapstructure:"ban_words"`
	Description         string   `mapstructure:"description"`
	IconURL             string   `mapstructure:"icon_url"`
	Capacity            int      `mapstructure:"capacity"`
	TempBanTime         int      `mapstructure:"temp_ban_time"`
	MOTD                string   `mapstructure:"motd"`
	HiddenPacks         []string `mapstructure:"hidden_packs"`
	EnableBots          bool     `mapstructure:"enable_bots"`
	EnableChangeRoom    bool     `mapstructure:"enable_change_room"`
	EnableWhitelist     bool     `mapstructure:"enable_whitelist"`
	RoomCountPerThread  int      `mapstructure:"room_count_per_thread"`
	MaxPlayersPerDevice int      `mapstructure:"max_players_per_device"`

	ClientVersionRange string `mapstructure:"client_version_range"`

	Logging struct {
		LogFilePath   string `mapstructure:"log_file_path"`
		LogLevel      string `mapstructure:"log_level"`
		IncludeCaller bool   `mapstructure:"include_caller"`
	} `mapstructure:"logging"`

	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Name     string `mapstructure:"name"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	GameSavesDatabase struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Name     string `mapstructure:"name"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"game_saves_database"`

	Engine struct {
		// Working directory the interpreter subprocess is spawned from.
		WorkDir string `mapstructure:"work_dir"`
		// Path (relative to WorkDir) to the RPC entrypoint script.
		EntryPoint string `mapstructure:"entry_point"`
		// Binary used to run EntryPoint.
		Interpreter string `mapstructure:"interpreter"`
		RPCMode     string `mapstructure:"rpc_mode"`
	} `mapstructure:"engine"`

	Auth struct {
		RSAKeyDir           string `mapstructure:"rsa_key_dir"`
		WhitelistEnabled    bool   `mapstructure:"whitelist_enabled"`
		MaxPlayersPerDevice int    `mapstructure:"max_players_per_device"`
	} `mapstructure:"auth"`

	Web struct {
		HTTPPort int `mapstructure:"http_port"`
	} `mapstructure:"web"`
}

const envVarPrefix = "FKCORE"

// Load initializes viper with the contents of the config file under configPath
// and unmarshals it into a Config. Mirrors archon's internal/core.LoadConfig.
func Load(configPath string) (*Config, error) {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("no config file found in %s", configPath)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("binding %s to env var: %w", k, err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RoomCountPerThread <= 0 {
		cfg.RoomCountPerThread = 8
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 200
	}
	if cfg.TempBanTime <= 0 {
		cfg.TempBanTime = 3
	}
	if cfg.ClientVersionRange == "" {
		cfg.ClientVersionRange = ">=0.5.14 <0.6.0"
	}
	if cfg.Engine.WorkDir == "" {
		cfg.Engine.WorkDir = "packages/freekill-core"
	}
	if cfg.Engine.EntryPoint == "" {
		cfg.Engine.EntryPoint = "lua/server/rpc/entry.lua"
	}
	if cfg.Engine.Interpreter == "" {
		cfg.Engine.Interpreter = "lua"
	}
	if cfg.Engine.RPCMode == "" {
		cfg.Engine.RPCMode = "json"
	}
}

// DatabaseURL returns a Postgres connection string for the accounts store.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.Name,
		c.Database.Username, c.Database.Password, c.Database.SSLMode,
	)
}

// GameSavesDatabaseURL returns a Postgres connection string for the game-saves store.
func (c *Config) GameSavesDatabaseURL() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.GameSavesDatabase.Host, c.GameSavesDatabase.Port, c.GameSavesDatabase.Name,
		c.GameSavesDatabase.Username, c.GameSavesDatabase.Password, c.GameSavesDatabase.SSLMode,
	)
}

// ParsePort validates a CLI-provided port per spec.md section 6, falling back
// to a random port in the valid range when the supplied value is out of bounds.
func ParsePort(requested int) int {
	if requested < 1024 || requested > 65535 {
		return randomPort()
	}
	return requested
}

func randomPort() int {
	return 1024 + rand.Intn(65535-1024)
}
