package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"bucketsyncer/internal/stats"
	"bucketsyncer/internal/storage"
)

// Environment variables consulted for credentials and the endpoint.
const (
	EnvAccessKey = "AWS_ACCESS_KEY_ID"
	EnvSecretKey = "AWS_SECRET_ACCESS_KEY"
	EnvEndpoint  = "AWS_ENDPOINT"
)

const (
	DefaultMaxConnections       = 100
	DefaultMaxThreads           = 100
	DefaultMaxRetries           = 5
	DefaultPartSize             = 4 * humanize.GiByte
	DefaultMaxSingleRequestSize = 5 * humanize.GiByte
	DefaultProgressInterval     = 30 * time.Second
	DefaultPropertiesFile       = "~/.s3cfg"

	minPartSize = 5 * humanize.MiByte
)

// Config represents the application configuration
type Config struct {
	Source Endpoint `yaml:"source"`
	Dest   Endpoint `yaml:"dest"`
	Mirror Mirror   `yaml:"mirror"`

	// Proxy is host:port. An empty value falls back to the properties file.
	Proxy string `yaml:"proxy"`
	// PropertiesFile is an s3cmd style file with access_key, secret_key,
	// proxy_host and proxy_port. A missing file is ignored.
	PropertiesFile     string `yaml:"properties_file"`
	GCSApplicationName string `yaml:"gcs_application_name"`

	Journal     string `yaml:"journal"`
	Report      string `yaml:"report"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	Verbose     bool   `yaml:"verbose"`

	proxyHost string
	proxyPort int
}

// Endpoint configures one side of the mirror.
type Endpoint struct {
	Store string `yaml:"store"`
	// Bucket is [s3://]bucket[/prefix].
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	Secure          bool   `yaml:"secure"`
	Region          string `yaml:"region"`
	PathStyle       bool   `yaml:"path_style"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Mirror holds the run settings.
type Mirror struct {
	DryRun           bool   `yaml:"dry_run"`
	DeleteRemoved    bool   `yaml:"delete_removed"`
	CrossAccountCopy bool   `yaml:"cross_account_copy"`
	MaxConnections   int    `yaml:"max_connections"`
	MaxThreads       int    `yaml:"max_threads"`
	MaxRetries       int    `yaml:"max_retries"`
	Ctime            string `yaml:"ctime"`
	// UploadPartSize and MaxSingleRequestSize accept plain byte counts or
	// sizes such as "4GiB".
	UploadPartSize       string        `yaml:"upload_part_size"`
	MaxSingleRequestSize string        `yaml:"max_single_request_size"`
	ProgressInterval     time.Duration `yaml:"progress_interval"`
}

// Default returns the configuration used before any file or flag.
func Default() *Config {
	return &Config{
		Source:         Endpoint{Store: string(storage.KindS3), Secure: true},
		Dest:           Endpoint{Store: string(storage.KindS3), Secure: true},
		PropertiesFile: DefaultPropertiesFile,
		Report:         stats.DefaultReportPath,
		LogLevel:       "info",
		Mirror: Mirror{
			MaxConnections:       DefaultMaxConnections,
			MaxThreads:           DefaultMaxThreads,
			MaxRetries:           DefaultMaxRetries,
			UploadPartSize:       strconv.FormatInt(DefaultPartSize, 10),
			MaxSingleRequestSize: strconv.FormatInt(DefaultMaxSingleRequestSize, 10),
			ProgressInterval:     DefaultProgressInterval,
		},
	}
}

// Load loads configuration from file and command line flags, then fills
// missing credentials from the environment and the properties file.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.parseProxy(); err != nil {
		return nil, err
	}
	loadFromEnv(cfg)
	if err := loadProperties(cfg); err != nil {
		return nil, fmt.Errorf("failed to load properties file: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}
	integer := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}

	str("source-bucket", &cfg.Source.Bucket)
	str("destination-bucket", &cfg.Dest.Bucket)
	str("prefix", &cfg.Source.Prefix)
	str("dest-prefix", &cfg.Dest.Prefix)
	str("src-store", &cfg.Source.Store)
	str("dest-store", &cfg.Dest.Store)

	if flags.Changed("endpoint") {
		endpoint, _ := flags.GetString("endpoint")
		cfg.Source.Endpoint = endpoint
		cfg.Dest.Endpoint = endpoint
	}
	str("src-endpoint", &cfg.Source.Endpoint)
	str("dest-endpoint", &cfg.Dest.Endpoint)

	if flags.Changed("access-key") {
		key, _ := flags.GetString("access-key")
		cfg.Source.AccessKey = key
		cfg.Dest.AccessKey = key
	}
	if flags.Changed("secret-key") {
		key, _ := flags.GetString("secret-key")
		cfg.Source.SecretKey = key
		cfg.Dest.SecretKey = key
	}
	if flags.Changed("insecure") {
		insecure, _ := flags.GetBool("insecure")
		cfg.Source.Secure = !insecure
		cfg.Dest.Secure = !insecure
	}
	if flags.Changed("region") {
		region, _ := flags.GetString("region")
		cfg.Source.Region = region
		cfg.Dest.Region = region
	}
	if flags.Changed("path-style") {
		pathStyle, _ := flags.GetBool("path-style")
		cfg.Source.PathStyle = pathStyle
		cfg.Dest.PathStyle = pathStyle
	}
	if flags.Changed("gcs-credentials-file") {
		file, _ := flags.GetString("gcs-credentials-file")
		cfg.Source.CredentialsFile = file
		cfg.Dest.CredentialsFile = file
	}

	boolean("dry-run", &cfg.Mirror.DryRun)
	boolean("delete-removed", &cfg.Mirror.DeleteRemoved)
	boolean("cross-account-copy", &cfg.Mirror.CrossAccountCopy)
	integer("max-connections", &cfg.Mirror.MaxConnections)
	integer("max-threads", &cfg.Mirror.MaxThreads)
	integer("max-retries", &cfg.Mirror.MaxRetries)
	str("ctime", &cfg.Mirror.Ctime)
	str("upload-part-size", &cfg.Mirror.UploadPartSize)
	str("max-single-request-size", &cfg.Mirror.MaxSingleRequestSize)
	if flags.Changed("progress-interval") {
		cfg.Mirror.ProgressInterval, _ = flags.GetDuration("progress-interval")
	}

	str("proxy", &cfg.Proxy)
	str("s3cfg", &cfg.PropertiesFile)
	str("gcs-application-name", &cfg.GCSApplicationName)
	str("journal", &cfg.Journal)
	str("report", &cfg.Report)
	str("metrics-addr", &cfg.MetricsAddr)
	str("log-level", &cfg.LogLevel)
	boolean("verbose", &cfg.Verbose)

	return nil
}

// loadFromEnv fills credentials and endpoints not given explicitly.
func loadFromEnv(cfg *Config) {
	for _, ep := range []*Endpoint{&cfg.Source, &cfg.Dest} {
		if ep.AccessKey == "" && ep.SecretKey == "" {
			ep.AccessKey = os.Getenv(EnvAccessKey)
			ep.SecretKey = os.Getenv(EnvSecretKey)
		}
		if ep.Endpoint == "" && !isGCS(ep.Store) {
			ep.Endpoint = os.Getenv(EnvEndpoint)
		}
	}
}

// loadProperties reads the s3cmd style properties file when credentials are
// still missing. The proxy settings only apply when no proxy was given.
func loadProperties(cfg *Config) error {
	if !cfg.Source.needsKeys() && !cfg.Dest.needsKeys() {
		return nil
	}
	path, err := expandHome(cfg.PropertiesFile)
	if err != nil || path == "" {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return err
	}
	lookup := func(name string) string {
		for _, section := range file.Sections() {
			if section.HasKey(name) {
				return strings.TrimSpace(section.Key(name).String())
			}
		}
		return ""
	}

	for _, ep := range []*Endpoint{&cfg.Source, &cfg.Dest} {
		if ep.needsKeys() {
			ep.AccessKey = lookup("access_key")
			ep.SecretKey = lookup("secret_key")
		}
	}
	if cfg.proxyHost == "" {
		host, port := lookup("proxy_host"), lookup("proxy_port")
		if host != "" && port != "" {
			if err := cfg.setProxy(host + ":" + port); err != nil {
				return err
			}
		}
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func (e Endpoint) needsKeys() bool {
	return !isGCS(e.Store) && (e.AccessKey == "" || e.SecretKey == "")
}

func isGCS(store string) bool {
	kind, err := storage.ParseKind(store)
	return err == nil && kind == storage.KindGCS
}

func (c *Config) parseProxy() error {
	if c.Proxy == "" {
		return nil
	}
	return c.setProxy(c.Proxy)
}

func (c *Config) setProxy(proxy string) error {
	host, port, err := ParseProxy(proxy)
	if err != nil {
		return err
	}
	c.proxyHost, c.proxyPort = host, port
	return nil
}

// ParseProxy splits a host:port proxy setting.
func ParseProxy(proxy string) (string, int, error) {
	parts := strings.Split(proxy, ":")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", 0, fmt.Errorf("invalid proxy setting (%s), please use host:port", proxy)
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("invalid proxy setting (%s), port could not be parsed as a number", proxy)
	}
	return strings.TrimSpace(parts[0]), port, nil
}

var (
	ctimeDays   = regexp.MustCompile(`^[0-9]+$`)
	ctimeSuffix = regexp.MustCompile(`^([0-9]+)([yMwdhms])$`)
)

// ParseCtime returns the cutoff now minus ctime. Bare digits are days;
// otherwise one of the suffixes y, M, w, d, h, m or s is required.
func ParseCtime(now time.Time, ctime string) (time.Time, error) {
	if ctimeDays.MatchString(ctime) {
		n, err := strconv.Atoi(ctime)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid ctime %q: %w", ctime, err)
		}
		return now.AddDate(0, 0, -n), nil
	}

	m := ctimeSuffix.FindStringSubmatch(ctime)
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid ctime %q", ctime)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ctime %q: %w", ctime, err)
	}

	switch m[2] {
	case "y":
		return now.AddDate(-n, 0, 0), nil
	case "M":
		return now.AddDate(0, -n, 0), nil
	case "w":
		return now.AddDate(0, 0, -7*n), nil
	case "d":
		return now.AddDate(0, 0, -n), nil
	case "h":
		return now.Add(-time.Duration(n) * time.Hour), nil
	case "m":
		return now.Add(-time.Duration(n) * time.Minute), nil
	default:
		return now.Add(-time.Duration(n) * time.Second), nil
	}
}

// ParseBucketSpec splits [s3://]bucket[/prefix].
func ParseBucketSpec(spec string) (bucket, prefix string, err error) {
	s := strings.TrimSpace(spec)
	s = strings.TrimPrefix(s, "s3://")
	s = strings.TrimPrefix(s, "gs://")
	bucket, prefix, _ = strings.Cut(s, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid bucket %q", spec)
	}
	return bucket, prefix, nil
}

func parseSize(name, value string) (int64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return int64(n), nil
}

func (c *Config) validate() error {
	_, err := c.Options(time.Now())
	return err
}
