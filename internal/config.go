package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/gallery/internal/api"
	"github.com/starford/gallery/internal/realtime"
	"github.com/starford/gallery/internal/remote"
	"github.com/starford/gallery/internal/storage"
	"github.com/starford/gallery/internal/syncer"
)

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGitHub = "github"
	BackendS3     = "s3"
)

// Sync sources.
const (
	SourceScan   = "scan"
	SourceGitHub = "github"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Storage  StorageConfig     `yaml:"storage"`
	Sync     SyncConfig        `yaml:"sync"`
	Realtime RealtimeConfig    `yaml:"realtime"`
	Index    IndexConfig       `yaml:"index"`
	Auth     AuthConfig        `yaml:"auth"`
	Webhook  WebhookConfig     `yaml:"webhook"`
	Client   ClientConfig      `yaml:"client"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if c.Sync.Source == SourceGitHub && c.Storage.Backend != BackendGitHub {
		return fmt.Errorf("sync: source %q requires storage backend %q", SourceGitHub, BackendGitHub)
	}
	if err := c.Realtime.Validate(); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level    `yaml:"log_level"`
	Log      LogFileConfig `yaml:"log"`
	HTTP     HTTPConfig    `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// LogFileConfig enables a rotated log file next to stdout. Empty File disables it.
type LogFileConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Validate validates the log file configuration.
func (c *LogFileConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSizeMB, validation.Min(0)),
		validation.Field(&c.MaxBackups, validation.Min(0)),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StorageConfig selects and configures the image backend.
type StorageConfig struct {
	Backend      string        `yaml:"backend"`
	ScanDir      string        `yaml:"scan_dir"`
	PublicPrefix string        `yaml:"public_prefix"`
	ManifestPath string        `yaml:"manifest_path"`
	LockFile     string        `yaml:"lock_file"`
	Local        LocalConfig   `yaml:"local"`
	GitHub       GitHubConfig  `yaml:"github"`
	S3           S3Config      `yaml:"s3"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendLocal, BackendGitHub, BackendS3)),
		validation.Field(&c.ManifestPath, validation.Required),
	); err != nil {
		return err
	}
	switch c.Backend {
	case BackendLocal:
		return c.Local.Validate()
	case BackendGitHub:
		return c.GitHub.Validate()
	default:
		return c.S3.Validate()
	}
}

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Root      string `yaml:"root"`
	UploadDir string `yaml:"upload_dir"`
}

// Validate validates the local backend configuration.
func (c *LocalConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// GitHubConfig configures the GitHub contents backend.
type GitHubConfig struct {
	Owner      string `yaml:"owner"`
	Repo       string `yaml:"repo"`
	Branch     string `yaml:"branch"`
	Token      string `yaml:"token"`
	UploadDir  string `yaml:"upload_dir"`
	APIBaseURL string `yaml:"api_base_url"`
	RawBaseURL string `yaml:"raw_base_url"`
}

// Validate validates the GitHub backend configuration.
func (c *GitHubConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Owner, validation.Required),
		validation.Field(&c.Repo, validation.Required),
	)
}

// S3Config configures the bucket backend.
type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	SessionToken   string `yaml:"session_token"`
	Prefix         string `yaml:"prefix"`
	UploadDir      string `yaml:"upload_dir"`
	UseSSL         bool   `yaml:"use_ssl"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	Insecure       bool   `yaml:"insecure"`
}

// Validate validates the S3 backend configuration.
func (c *S3Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, validation.Required),
		validation.Field(&c.Bucket, validation.Required),
	)
}

// NewBackend builds the configured storage variant. The second return is
// non-nil only for the GitHub variant, whose client the GitHub remote shares.
func (c *StorageConfig) NewBackend(logger *slog.Logger) (storage.Backend, *storage.GitHub, error) {
	switch c.Backend {
	case BackendLocal:
		fs, err := storage.NewFS(c.Local.Root, c.Local.UploadDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	case BackendGitHub:
		gh, err := storage.NewGitHub(storage.GitHubOptions{
			Owner:        c.GitHub.Owner,
			Repo:         c.GitHub.Repo,
			Branch:       c.GitHub.Branch,
			Token:        c.GitHub.Token,
			UploadDir:    c.GitHub.UploadDir,
			ManifestPath: c.ManifestPath,
			APIBaseURL:   c.GitHub.APIBaseURL,
			RawBaseURL:   c.GitHub.RawBaseURL,
			Timeout:      c.Timeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return gh, gh, nil
	case BackendS3:
		s3, err := storage.NewS3(storage.S3Options{
			Endpoint:       c.S3.Endpoint,
			Region:         c.S3.Region,
			Bucket:         c.S3.Bucket,
			AccessKey:      c.S3.AccessKey,
			SecretKey:      c.S3.SecretKey,
			SessionToken:   c.S3.SessionToken,
			Prefix:         c.S3.Prefix,
			UploadDir:      c.S3.UploadDir,
			UseSSL:         c.S3.UseSSL,
			ForcePathStyle: c.S3.ForcePathStyle,
			Insecure:       c.S3.Insecure,
		})
		if err != nil {
			return nil, nil, err
		}
		return s3, nil, nil
	}
	return nil, nil, fmt.Errorf("storage: unknown backend %q", c.Backend)
}

// SyncConfig controls the sync loop.
type SyncConfig struct {
	Source        string        `yaml:"source"`
	Interval      time.Duration `yaml:"interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
	Timeout       time.Duration `yaml:"timeout"`
	// Watch triggers a sync on local filesystem changes (local backend only).
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Source, validation.Required, validation.In(SourceScan, SourceGitHub)),
		validation.Field(&c.Interval, validation.Required, validation.Min(5*time.Second)),
		validation.Field(&c.MaxRetries, validation.Required, validation.Min(1), validation.Max(10)),
		validation.Field(&c.RetryBase, validation.Required, validation.Min(100*time.Millisecond)),
		validation.Field(&c.RetryMaxDelay, validation.Required, validation.Min(c.RetryBase)),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Second)),
	)
}

func (c *SyncConfig) syncerConfig() syncer.Config {
	return syncer.Config{
		Interval:      c.Interval,
		MaxRetries:    c.MaxRetries,
		RetryBase:     c.RetryBase,
		RetryMaxDelay: c.RetryMaxDelay,
		Timeout:       c.Timeout,
	}
}

// RealtimeConfig controls the connection registry and transports.
type RealtimeConfig struct {
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	ClientBuffer    int           `yaml:"client_buffer"`
	Keepalive       time.Duration `yaml:"keepalive"`
}

// Validate validates the realtime configuration.
func (c *RealtimeConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LivenessTimeout, validation.Required, validation.Min(c.SweepInterval)),
		validation.Field(&c.SweepInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.ClientBuffer, validation.Required, validation.Min(1)),
		validation.Field(&c.Keepalive, validation.Required, validation.Min(time.Second)),
	)
}

func (c *RealtimeConfig) hubConfig() realtime.HubConfig {
	return realtime.HubConfig{
		LivenessTimeout: c.LivenessTimeout,
		SweepInterval:   c.SweepInterval,
		ClientBuffer:    c.ClientBuffer,
	}
}

// IndexConfig holds SQLite index configuration.
type IndexConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the index configuration.
func (c *IndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds the admin credential gate configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
//   - "basic": HTTP basic auth against Username and a bcrypt PasswordHash.
type AuthConfig struct {
	Mode         string `yaml:"mode"`
	Token        string `yaml:"token"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = api.AuthDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(api.AuthDisabled, api.AuthToken, api.AuthBasic)),
	); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	switch c.Mode {
	case api.AuthToken:
		if c.Token == "" {
			return fmt.Errorf("auth: mode is %q but token is empty", api.AuthToken)
		}
	case api.AuthBasic:
		if c.Username == "" || c.PasswordHash == "" {
			return fmt.Errorf("auth: mode is %q but username or password_hash is empty", api.AuthBasic)
		}
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == api.AuthToken || c.Mode == api.AuthBasic
}

func (c *AuthConfig) options() api.AuthOptions {
	return api.AuthOptions{
		Mode:         c.Mode,
		Token:        c.Token,
		Username:     c.Username,
		PasswordHash: c.PasswordHash,
	}
}

// WebhookConfig configures GitHub push notifications.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
	Branch string `yaml:"branch"`
}

// ClientConfig configures the `gallery client` commands.
type ClientConfig struct {
	ServerURL string        `yaml:"server_url"`
	Token     string        `yaml:"token"`
	StateFile string        `yaml:"state_file"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Validate validates the client configuration. It is checked only by client
// commands, not by Config.Validate.
func (c *ClientConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ServerURL, validation.Required, is.URL),
		validation.Field(&c.StateFile, validation.Required),
	); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

// remoteFor builds the sync source over the configured backend.
func (c *Config) remoteFor(gh *storage.GitHub, scan *remote.Scan, logger *slog.Logger) remote.Remote {
	if c.Sync.Source == SourceGitHub && gh != nil {
		return remote.NewGitHub(gh, remote.GitHubOptions{
			Owner:        c.Storage.GitHub.Owner,
			Repo:         c.Storage.GitHub.Repo,
			Branch:       c.Storage.GitHub.Branch,
			ManifestPath: c.Storage.ManifestPath,
			Timeout:      c.Sync.Timeout,
			Logger:       logger,
		})
	}
	return scan
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			Log: LogFileConfig{
				MaxSizeMB:  5,
				MaxBackups: 5,
			},
			HTTP: HTTPConfig{
				Port: 3001,
			},
		},
		Storage: StorageConfig{
			Backend:      BackendLocal,
			PublicPrefix: "/media",
			ManifestPath: "metadata.json",
			Local: LocalConfig{
				Root:      "./images",
				UploadDir: "uploads",
			},
			GitHub: GitHubConfig{
				Branch:    "main",
				UploadDir: "public/images/uploads",
			},
			S3: S3Config{
				Region:    "us-east-1",
				UploadDir: "uploads",
				UseSSL:    true,
			},
			Timeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			Source:        SourceScan,
			Interval:      30 * time.Second,
			MaxRetries:    3,
			RetryBase:     time.Second,
			RetryMaxDelay: 5 * time.Minute,
			Timeout:       10 * time.Second,
			Watch:         true,
			WatchDebounce: 500 * time.Millisecond,
		},
		Realtime: RealtimeConfig{
			LivenessTimeout: 5 * time.Minute,
			SweepInterval:   time.Minute,
			ClientBuffer:    64,
			Keepalive:       30 * time.Second,
		},
		Index: IndexConfig{
			Path: "./gallery.db",
		},
		Auth: AuthConfig{
			Mode: api.AuthDisabled,
		},
		Webhook: WebhookConfig{
			Branch: "main",
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:3001",
			StateFile: "./.gallery/tombstones.json",
			Timeout:   10 * time.Second,
		},
	}
}
