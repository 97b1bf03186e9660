package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	DB  struct {
		Path        string        `validate:"required"`
		CloseGrace  time.Duration `validate:"gte=0"`
		SendTimeout time.Duration `validate:"gte=0"`
		QueueSize   int           `validate:"gte=1,lte=65536"`
		IdleTimeout time.Duration `validate:"gte=0"`
		WorkerPath  string
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var (
		c   Config
		err error
	)
	c.Env = getenv("ENV", "prod")
	c.DB.Path = getenv("ASYNCSQLITE_DB", "data/asyncsqlite.db")
	c.DB.WorkerPath = os.Getenv("ASYNCSQLITE_WORKER_PATH")
	if c.DB.CloseGrace, err = duration("ASYNCSQLITE_CLOSE_GRACE", 50*time.Millisecond); err != nil {
		return Config{}, err
	}
	if c.DB.SendTimeout, err = duration("ASYNCSQLITE_SEND_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if c.DB.IdleTimeout, err = duration("ASYNCSQLITE_IDLE_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if c.DB.QueueSize, err = integer("ASYNCSQLITE_QUEUE_SIZE", 64); err != nil {
		return Config{}, err
	}
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = os.Getenv("LOG_FILE")

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func duration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func integer(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}
