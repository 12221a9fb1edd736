// Package config loads process configuration from ESTATECRM_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// AppName names the XDG data directory.
const AppName = "estatecrm"

const envPrefix = "ESTATECRM_"

// ByteSize is a byte count that parses humanized values such as "5MiB".
type ByteSize int64

// Local selects the on-device snapshot store.
type Local struct {
	Driver   string   `env:"LOCAL_DRIVER" validate:"oneof=memory sqlite badger"`
	Path     string   `env:"LOCAL_PATH" validate:"required_unless=Driver memory"`
	Capacity ByteSize `env:"LOCAL_CAPACITY" validate:"gte=0"`
}

// Remote selects the document database.
type Remote struct {
	Driver        string `env:"REMOTE_DRIVER" validate:"oneof=memory postgres redis"`
	PostgresDSN   string `env:"POSTGRES_DSN" validate:"required_if=Driver postgres"`
	RedisAddr     string `env:"REDIS_ADDR" validate:"required_if=Driver redis"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" validate:"gte=0"`
}

// S3 holds bucket settings for the s3 blob driver.
type S3 struct {
	Bucket          string `env:"BLOB_S3_BUCKET"`
	Region          string `env:"BLOB_S3_REGION"`
	Endpoint        string `env:"BLOB_S3_ENDPOINT" validate:"omitempty,url"`
	AccessKeyID     string `env:"BLOB_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"BLOB_S3_SECRET_ACCESS_KEY"`
	PathStyle       bool   `env:"BLOB_S3_PATH_STYLE"`
}

// Blob selects where backup archives go.
type Blob struct {
	Driver string `env:"BLOB_DRIVER" validate:"oneof=fs s3 memory"`
	Root   string `env:"BLOB_FS_ROOT"`
	S3     S3
}

// Jobs configures scheduled maintenance. Empty schedules disable a job.
type Jobs struct {
	PurgeSchedule   string        `env:"PURGE_SCHEDULE"`
	OverdueSchedule string        `env:"OVERDUE_SCHEDULE"`
	TrashRetention  time.Duration `env:"TRASH_RETENTION" validate:"gt=0"`
}

// Config is the full process configuration.
type Config struct {
	Local      Local
	Remote     Remote
	Blob       Blob
	Jobs       Jobs
	HTTPAddr   string `env:"HTTP_ADDR"`
	LogLevel   string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat  string `env:"LOG_FORMAT" validate:"oneof=json console"`
	OutboxSize int    `env:"OUTBOX_SIZE" validate:"gt=0"`
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	dataDir := filepath.Join(xdg.DataHome, AppName)
	return Config{
		Local: Local{
			Driver:   "sqlite",
			Path:     filepath.Join(dataDir, "state.db"),
			Capacity: 5 << 20,
		},
		Remote: Remote{Driver: "memory"},
		Blob:   Blob{Driver: "fs", Root: filepath.Join(dataDir, "backups")},
		Jobs: Jobs{
			PurgeSchedule:   "@daily",
			OverdueSchedule: "@every 15m",
			TrashRetention:  720 * time.Hour,
		},
		HTTPAddr:   "127.0.0.1:9464",
		LogLevel:   "info",
		LogFormat:  "json",
		OutboxSize: 256,
	}
}

// Load reads the given .env files (missing files are ignored, already set
// variables win) and then the environment.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnvironment(env.ToMap(os.Environ()))
}

// FromEnvironment builds a Config from environ over the defaults and
// validates it. Every unparsable or invalid key is reported in one error.
func FromEnvironment(environ map[string]string) (Config, error) {
	cfg := Default()
	var problems []string
	err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(ByteSize(0)): parseByteSize,
		},
	})
	problems = append(problems, parseProblems(err)...)

	// Set-but-empty schedules disable their job.
	for key, field := range map[string]*string{
		"PURGE_SCHEDULE":   &cfg.Jobs.PurgeSchedule,
		"OVERDUE_SCHEDULE": &cfg.Jobs.OverdueSchedule,
	} {
		if v, ok := environ[envPrefix+key]; ok && strings.TrimSpace(v) == "" {
			*field = ""
		}
	}
	if _, ok := environ[envPrefix+"LOCAL_PATH"]; !ok && cfg.Local.Driver == "badger" {
		cfg.Local.Path = filepath.Join(filepath.Dir(cfg.Local.Path), "badger")
	}
	problems = append(problems, validate(cfg)...)
	if cfg.Blob.Driver == "s3" && cfg.Blob.S3.Bucket == "" {
		problems = append(problems, envPrefix+"BLOB_S3_BUCKET: required when "+envPrefix+"BLOB_DRIVER=s3")
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return cfg, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func parseByteSize(v string) (any, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return nil, fmt.Errorf("not a size: %w", err)
	}
	return ByteSize(n), nil
}

// parseProblems flattens the aggregate returned by env into one line per
// variable.
func parseProblems(err error) []string {
	if err == nil {
		return nil
	}
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return []string{err.Error()}
	}
	keys := fieldKeys(reflect.TypeOf(Config{}))
	out := make([]string, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if errors.As(e, &pe) {
			out = append(out, fmt.Sprintf("%s: %v", keys[pe.Name], pe.Err))
			continue
		}
		out = append(out, e.Error())
	}
	return out
}

// fieldKeys maps field names to variable names. Fields that can fail to
// parse have unique names across the nested structs.
func fieldKeys(t reflect.Type) map[string]string {
	out := make(map[string]string)
	for _, f := range reflect.VisibleFields(t) {
		if f.Type.Kind() == reflect.Struct && f.Tag.Get("env") == "" {
			for name, key := range fieldKeys(f.Type) {
				out[name] = key
			}
			continue
		}
		if key := f.Tag.Get("env"); key != "" {
			out[f.Name] = envPrefix + key
		}
	}
	return out
}

var validate = func() func(Config) []string {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if key := f.Tag.Get("env"); key != "" {
			return envPrefix + key
		}
		return f.Name
	})
	return func(cfg Config) []string {
		err := v.Struct(cfg)
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			if err != nil {
				return []string{err.Error()}
			}
			return nil
		}
		out := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msg := fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
			if fe.Param() != "" {
				msg += "=" + fe.Param()
			}
			out = append(out, msg)
		}
		return out
	}
}()
