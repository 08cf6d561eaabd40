package vocalroom

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	Mode     Mode   `validate:"oneof=dev prod"`
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string

	Log struct {
		Level  string `validate:"oneof=debug info warn error"`
		Format string `validate:"oneof=text json"`
	}

	Auth struct {
		// Secret is the key used to sign resume tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret   Base64Encoded `validate:"required"`
		TokenTTL time.Duration `validate:"gt=0"`
	}

	Rooms struct {
		DefaultCapacity int `validate:"min=2,ltefield=MaxCapacity"`
		MaxCapacity     int `validate:"min=2"`
		MaxNameLength   int `validate:"min=1"`
		// ReapAfter is how long a room may stay empty before it is removed.
		// Zero keeps empty rooms forever.
		ReapAfter    time.Duration `validate:"min=0"`
		PasswordCost int           `validate:"min=0,max=31"`
	}

	Users struct {
		MaxNameLength int `validate:"min=1"`
	}

	Messages struct {
		MaxLength    int `validate:"min=1"`
		HistoryLimit int `validate:"min=0"`
		Retain       int `validate:"min=0"`
	}

	Typing struct {
		Timeout  time.Duration `validate:"gt=0"`
		Throttle time.Duration `validate:"min=0"`
	}

	Storage struct {
		Driver string `validate:"oneof=memory sqlite"`
		SQLite struct {
			// File is the path to the SQLite database file.
			File string `validate:"required"`
			// Migrations overrides the embedded migrations with a directory.
			Migrations string
		}
	}

	Uploads struct {
		Dir     string `validate:"required"`
		MaxSize int64  `validate:"gt=0"`
		BaseURL string `validate:"required"`
	}

	Chart struct {
		// SourceURL is where the chart is fetched from. Empty disables the chart.
		SourceURL string `validate:"omitempty,url"`
		CacheFile string
		MaxAge    time.Duration `validate:"gt=0"`
		// RedisAddr moves the chart cache to Redis when set.
		RedisAddr string
	}

	TLS struct {
		Crt string `validate:"required_with=Key"`
		Key string `validate:"required_with=Crt"`
	}

	// WebDir is a directory with a built web client to serve at /.
	WebDir string

	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", string(DevMode))
	v.SetDefault("allowedorigins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("auth.tokenttl", 24*time.Hour)

	v.SetDefault("rooms.defaultcapacity", 10)
	v.SetDefault("rooms.maxcapacity", 100)
	v.SetDefault("rooms.maxnamelength", 50)
	v.SetDefault("rooms.reapafter", time.Duration(0))
	v.SetDefault("rooms.passwordcost", bcrypt.DefaultCost)

	v.SetDefault("users.maxnamelength", 32)

	v.SetDefault("messages.maxlength", 2000)
	v.SetDefault("messages.historylimit", 50)
	v.SetDefault("messages.retain", 0)

	v.SetDefault("typing.timeout", 3*time.Second)
	v.SetDefault("typing.throttle", time.Second)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlite.file", "./vocalroom.db")
	v.SetDefault("storage.sqlite.migrations", "")

	v.SetDefault("uploads.dir", "./uploads")
	v.SetDefault("uploads.maxsize", 10<<20)
	v.SetDefault("uploads.baseurl", "/uploads")

	v.SetDefault("chart.sourceurl", "")
	v.SetDefault("chart.cachefile", "./chart.json")
	v.SetDefault("chart.maxage", 7*24*time.Hour)
	v.SetDefault("chart.redisaddr", "")

	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("webdir", "")
	return nil
}

// LoadConfig loads the configuration from the config file, a .env file and
// environment variables, in increasing order of precedence. path may name a
// config file; when empty config.yaml is looked up in the working directory.
// A missing config file is not an error.
// Any invalid configuration will not be loaded, and the error wil be cought in the validation step.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// FormatValidationErrors renders validation errors one per line, sorted.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	lines := slices.Sorted(maps.Values(translated))
	return strings.Join(lines, "\n")
}
