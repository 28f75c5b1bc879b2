package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Fetch  Fetch
	Redis  Redis
	SQLite SQLite
	S3     S3
	API    API
}

type Fetch struct {
	Concurrency int           `env:"Fetch_Concurrency" envDefault:"4"`
	Dir         string        `env:"Fetch_Dir" envDefault:"downloads"`
	Retries     int           `env:"Fetch_Retries" envDefault:"5"`
	RetryDelay  time.Duration `env:"Fetch_RetryDelay" envDefault:"5s"`
	RetryWindow time.Duration `env:"Fetch_RetryWindow" envDefault:"60s"`
	SkipExists  bool          `env:"Fetch_SkipExists" envDefault:"true"`
	// Headers are sent with every request, e.g. "Referer=https://example.com/".
	Headers               map[string]string `env:"Fetch_Headers" envKeyValSeparator:"="`
	UserAgent             string            `env:"Fetch_UserAgent" envDefault:"fetchq/1.0"`
	ResponseHeaderTimeout time.Duration     `env:"Fetch_ResponseHeaderTimeout" envDefault:"30s"`
}

type Redis struct {
	Enabled         bool          `env:"Redis_Enabled"`
	Addr            string        `env:"Redis_Address" envDefault:"localhost:6379"`
	Password        string        `env:"Redis_Password"`
	DB              int           `env:"Redis_DB"`
	StreamKey       string        `env:"Redis_StreamKey" envDefault:"fetchq:requests"`
	Group           string        `env:"Redis_Group" envDefault:"fetchq"`
	ResultStreamKey string        `env:"Redis_ResultStreamKey" envDefault:"fetchq:results"`
	DLQStreamKey    string        `env:"Redis_DLQStreamKey" envDefault:"fetchq:dlq"`
	StatsKey        string        `env:"Redis_StatsKey" envDefault:"fetchq:stats"`
	StatsInterval   time.Duration `env:"Redis_StatsInterval" envDefault:"5s"`
	// Entries left unacknowledged by another consumer for ReclaimIdle are
	// taken over, checked at most once per ReclaimInterval. Zero disables it.
	ReclaimIdle     time.Duration `env:"Redis_ReclaimIdle" envDefault:"10m"`
	ReclaimInterval time.Duration `env:"Redis_ReclaimInterval" envDefault:"30s"`
}

type SQLite struct {
	Enabled bool   `env:"SQLite_Enabled"`
	DataDir string `env:"SQLite_DataDir" envDefault:"data"`
}

// S3 mirroring is off while Bucket is empty.
type S3 struct {
	Bucket    string `env:"S3_Bucket"`
	Prefix    string `env:"S3_Prefix"`
	Region    string `env:"S3_Region"`
	Endpoint  string `env:"S3_Endpoint"`
	PathStyle bool   `env:"S3_PathStyle"`
}

type API struct {
	Port int `env:"API_Port" envDefault:"8080"`
}

// Parse reads an optional .env file from the working directory and then the
// process environment. Variables already set win over the file.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
