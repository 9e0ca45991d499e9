package config

import (
	"errors"
	"fmt"
	"time"

	"bucketsyncer/internal/storage"
)

// Options is the resolved, read-only view of a Config used by the mirror.
type Options struct {
	SrcStore  storage.Kind
	DestStore storage.Kind

	SourceBucket string
	SourcePrefix string
	DestBucket   string
	DestPrefix   string

	Source storage.Config
	Dest   storage.Config

	DryRun        bool
	DeleteRemoved bool
	CrossAccount  bool
	Verbose       bool

	MaxThreads           int
	MaxRetries           int
	PartSize             int64
	MaxSingleRequestSize int64

	// Start is when the options were resolved; Cutoff derives from it.
	Start  time.Time
	Cutoff time.Time

	Journal          string
	Report           string
	MetricsAddr      string
	LogLevel         string
	ProgressInterval time.Duration
}

// Options resolves c against the start time now.
func (c *Config) Options(now time.Time) (Options, error) {
	srcKind, err := storage.ParseKind(c.Source.Store)
	if err != nil {
		return Options{}, fmt.Errorf("source: %w", err)
	}
	dstKind, err := storage.ParseKind(c.Dest.Store)
	if err != nil {
		return Options{}, fmt.Errorf("destination: %w", err)
	}

	if c.Source.Bucket == "" {
		return Options{}, errors.New("source bucket is required")
	}
	if c.Dest.Bucket == "" {
		return Options{}, errors.New("destination bucket is required")
	}
	srcBucket, srcPrefix, err := resolveBucket(c.Source, "--prefix")
	if err != nil {
		return Options{}, err
	}
	dstBucket, dstPrefix, err := resolveBucket(c.Dest, "--dest-prefix")
	if err != nil {
		return Options{}, err
	}

	for _, side := range []struct {
		name string
		kind storage.Kind
		ep   Endpoint
	}{{"source", srcKind, c.Source}, {"destination", dstKind, c.Dest}} {
		if side.kind == storage.KindGCS {
			continue
		}
		if side.ep.AccessKey == "" || side.ep.SecretKey == "" {
			return Options{}, fmt.Errorf("%s credentials are required (set %s and %s)", side.name, EnvAccessKey, EnvSecretKey)
		}
		if side.kind == storage.KindMinIO && side.ep.Endpoint == "" {
			return Options{}, fmt.Errorf("%s endpoint is required for %s", side.name, storage.KindMinIO)
		}
	}
	if (srcKind == storage.KindGCS || dstKind == storage.KindGCS) && c.GCSApplicationName == "" {
		return Options{}, errors.New("GCS application name is required (--gcs-application-name)")
	}

	if c.Mirror.MaxThreads <= 0 {
		return Options{}, errors.New("max threads must be positive")
	}
	if c.Mirror.MaxConnections <= 0 {
		return Options{}, errors.New("max connections must be positive")
	}
	if c.Mirror.MaxRetries <= 0 {
		return Options{}, errors.New("max retries must be positive")
	}

	partSize, err := parseSize("upload part size", c.Mirror.UploadPartSize)
	if err != nil {
		return Options{}, err
	}
	if partSize < minPartSize {
		return Options{}, errors.New("upload part size must be at least 5MiB")
	}
	ceiling, err := parseSize("max single request size", c.Mirror.MaxSingleRequestSize)
	if err != nil {
		return Options{}, err
	}
	if ceiling <= 0 {
		return Options{}, errors.New("max single request size must be positive")
	}

	var cutoff time.Time
	if c.Mirror.Ctime != "" {
		if cutoff, err = ParseCtime(now, c.Mirror.Ctime); err != nil {
			return Options{}, err
		}
	}

	level := c.LogLevel
	if c.Verbose {
		level = "debug"
	}

	return Options{
		SrcStore:             srcKind,
		DestStore:            dstKind,
		SourceBucket:         srcBucket,
		SourcePrefix:         srcPrefix,
		DestBucket:           dstBucket,
		DestPrefix:           dstPrefix,
		Source:               c.storageConfig(c.Source),
		Dest:                 c.storageConfig(c.Dest),
		DryRun:               c.Mirror.DryRun,
		DeleteRemoved:        c.Mirror.DeleteRemoved,
		CrossAccount:         c.Mirror.CrossAccountCopy,
		Verbose:              c.Verbose,
		MaxThreads:           c.Mirror.MaxThreads,
		MaxRetries:           c.Mirror.MaxRetries,
		PartSize:             partSize,
		MaxSingleRequestSize: ceiling,
		Start:                now,
		Cutoff:               cutoff,
		Journal:              c.Journal,
		Report:               c.Report,
		MetricsAddr:          c.MetricsAddr,
		LogLevel:             level,
		ProgressInterval:     c.Mirror.ProgressInterval,
	}, nil
}

func resolveBucket(ep Endpoint, prefixFlag string) (string, string, error) {
	bucket, prefix, err := ParseBucketSpec(ep.Bucket)
	if err != nil {
		return "", "", err
	}
	if prefix != "" && ep.Prefix != "" {
		return "", "", fmt.Errorf("cannot use %s and a bucket path that includes a prefix at the same time", prefixFlag)
	}
	if prefix == "" {
		prefix = ep.Prefix
	}
	return bucket, prefix, nil
}

func (c *Config) storageConfig(ep Endpoint) storage.Config {
	return storage.Config{
		Endpoint:        ep.Endpoint,
		AccessKey:       ep.AccessKey,
		SecretKey:       ep.SecretKey,
		Secure:          ep.Secure,
		Region:          ep.Region,
		PathStyle:       ep.PathStyle,
		MaxConnections:  c.Mirror.MaxConnections,
		ProxyHost:       c.proxyHost,
		ProxyPort:       c.proxyPort,
		CredentialsFile: ep.CredentialsFile,
		ApplicationName: c.GCSApplicationName,
	}
}

// SharedServer reports whether both sides live on the same server, which
// allows server-side copies between them.
func (o Options) SharedServer() bool {
	return o.SrcStore == o.DestStore && o.Source.Endpoint == o.Dest.Endpoint
}

// SourceName renders the source as STORE:bucket.
func (o Options) SourceName() string {
	return fmt.Sprintf("%s:%s", o.SrcStore, o.SourceBucket)
}

// DestName renders the destination as STORE:bucket.
func (o Options) DestName() string {
	return fmt.Sprintf("%s:%s", o.DestStore, o.DestBucket)
}
