package uploader

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-mediaupload/analytics"
	"github.com/bitrise-io/go-mediaupload/api"
	"github.com/bitrise-io/go-mediaupload/envconf"
	"github.com/bitrise-io/go-mediaupload/progress"
	"github.com/bitrise-io/go-mediaupload/s3upload"
	"github.com/bitrise-io/go-mediaupload/secretkeys"
	"github.com/bitrise-io/go-mediaupload/transfer"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	backendHTTP = "http"
	backendS3   = "s3"

	defaultConcurrency = 1
)

// Config holds the settings of an Uploader.
type Config struct {
	// ChunkSize is the upper bound of bytes sent in one request.
	// Backends implementing transfer.ChunkSizer override it, zero derives it from the content length.
	ChunkSize int64
	Policy    transfer.Policy
	// OperationTimeout bounds every single transmit and probe call. A negative value disables it.
	OperationTimeout time.Duration
	// Concurrency is the number of files UploadMatching transfers at the same time.
	Concurrency int
	// SaveResumeState writes a sidecar file next to local files so an interrupted
	// UploadFile can continue the same session later.
	SaveResumeState bool

	// Tracker receives transfer events. Default: no events.
	Tracker Tracker
	// NewReporter creates the progress reporter of a single transfer. Default: no progress.
	NewReporter func() progress.Reporter
	// Sleep is passed to the transfer engine, it waits between retries.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig ...
func DefaultConfig() Config {
	engineDefaults := transfer.DefaultConfig()
	return Config{
		ChunkSize:        engineDefaults.ChunkSize,
		Policy:           engineDefaults.Policy,
		OperationTimeout: engineDefaults.OperationTimeout,
		Concurrency:      defaultConcurrency,
		SaveResumeState:  true,
	}
}

// envConfig is the environment variable based configuration read by NewFromEnv.
type envConfig struct {
	Backend          string         `env:"MEDIAUPLOAD_BACKEND"`
	BaseURL          string         `env:"MEDIAUPLOAD_BASE_URL"`
	AccessToken      envconf.Secret `env:"MEDIAUPLOAD_ACCESS_TOKEN"`
	ChunkSizeMB      int64          `env:"MEDIAUPLOAD_CHUNK_SIZE_MB,range[1..512]"`
	MaxRetries       *int           `env:"MEDIAUPLOAD_MAX_RETRIES,range[0..50]"`
	OperationTimeout time.Duration  `env:"MEDIAUPLOAD_OPERATION_TIMEOUT"`
	Concurrency      int            `env:"MEDIAUPLOAD_CONCURRENCY,range[1..16]"`
	DisableResume    bool           `env:"MEDIAUPLOAD_DISABLE_RESUME"`
	ShowProgress     bool           `env:"MEDIAUPLOAD_SHOW_PROGRESS"`
	Verbose          bool           `env:"MEDIAUPLOAD_VERBOSE"`

	S3Bucket           string         `env:"MEDIAUPLOAD_S3_BUCKET"`
	S3Region           string         `env:"MEDIAUPLOAD_S3_REGION"`
	S3Endpoint         string         `env:"MEDIAUPLOAD_S3_ENDPOINT"`
	S3KeyPrefix        string         `env:"MEDIAUPLOAD_S3_KEY_PREFIX"`
	AWSAccessKeyID     envconf.Secret `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey envconf.Secret `env:"AWS_SECRET_ACCESS_KEY"`
}

// NewFromEnv creates an Uploader configured from environment variables.
// MEDIAUPLOAD_BACKEND selects the hosting service API (http, the default) or S3 multipart uploads (s3).
func NewFromEnv(ctx context.Context, envRepo env.Repository, logger log.Logger) (*Uploader, error) {
	var input envConfig
	if err := envconf.NewInputParser(envRepo).Parse(&input); err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}
	logger.EnableDebugLog(input.Verbose)
	if input.Verbose {
		envconf.Print(input)
	}

	config := DefaultConfig()
	if input.ChunkSizeMB > 0 {
		config.ChunkSize = input.ChunkSizeMB * 1024 * 1024
	}
	if input.MaxRetries != nil {
		config.Policy.MaxRetries = *input.MaxRetries
	}
	if input.OperationTimeout > 0 {
		config.OperationTimeout = input.OperationTimeout
	}
	if input.Concurrency > 0 {
		config.Concurrency = input.Concurrency
	}
	config.SaveResumeState = !input.DisableResume
	if input.ShowProgress && config.Concurrency == 1 {
		config.NewReporter = func() progress.Reporter { return progress.NewBar() }
	}

	var service transfer.Service
	switch input.Backend {
	case "", backendHTTP:
		if input.AccessToken == "" {
			return nil, fmt.Errorf("MEDIAUPLOAD_ACCESS_TOKEN is required for the %s backend", backendHTTP)
		}
		service = api.NewClient(api.Config{
			BaseURL:     input.BaseURL,
			AccessToken: string(input.AccessToken),
			ChunkSize:   config.ChunkSize,
			Secrets:     secretkeys.Values(envRepo, secretkeys.NewManager().Load(envRepo)),
		}, logger)
		input.Backend = backendHTTP
	case backendS3:
		backend, err := s3upload.New(ctx, s3upload.Config{
			Bucket:          input.S3Bucket,
			Region:          input.S3Region,
			AccessKeyID:     string(input.AWSAccessKeyID),
			SecretAccessKey: string(input.AWSSecretAccessKey),
			Endpoint:        input.S3Endpoint,
			KeyPrefix:       input.S3KeyPrefix,
			PartSize:        config.ChunkSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		service = backend
	default:
		return nil, fmt.Errorf("unknown backend: %s (expected %s or %s)", input.Backend, backendHTTP, backendS3)
	}

	config.Tracker = analytics.NewDefaultTransferTracker(envRepo, input.Backend, logger)

	return New(service, config, logger), nil
}
