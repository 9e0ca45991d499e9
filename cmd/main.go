package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bucketsyncer/internal/app"
	"bucketsyncer/internal/checkpoint"
	"bucketsyncer/internal/config"
	"bucketsyncer/internal/logger"
	"bucketsyncer/internal/stats"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "bucketsyncer",
	Short: "Mirror a bucket into another bucket, across S3, S3-compatible servers and GCS",
	Long: `Copies every object under a source bucket/prefix to a destination bucket/prefix,
skipping objects that are already identical, and optionally deletes destination
objects that no longer exist in the source.`,
	SilenceUsage: true,
	RunE:         runMirror,
}

var failedKeysCmd = &cobra.Command{
	Use:   "failed-keys",
	Short: "Print the keys whose last recorded outcome is a failure",
	RunE:  runFailedKeys,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")

	flags := rootCmd.Flags()
	flags.StringP("source-bucket", "F", "", "source bucket[/source/prefix]")
	flags.StringP("destination-bucket", "T", "", "destination bucket[/destination/prefix]")
	flags.StringP("prefix", "p", "", "Only copy objects whose keys start with this prefix")
	flags.StringP("dest-prefix", "d", "", "Destination prefix (replacing the one specified in --prefix, if any)")
	flags.StringP("src-store", "S", "S3", "Source storage type [S3|MINIO|GCS]")
	flags.StringP("dest-store", "D", "S3", "Destination storage type [S3|MINIO|GCS]")

	flags.StringP("endpoint", "e", "", "Endpoint for both sides (or set "+config.EnvEndpoint+" in your environment)")
	flags.String("src-endpoint", "", "Source endpoint, overrides --endpoint")
	flags.String("dest-endpoint", "", "Destination endpoint, overrides --endpoint")
	flags.String("access-key", "", "Access key for both sides (or set "+config.EnvAccessKey+")")
	flags.String("secret-key", "", "Secret key for both sides (or set "+config.EnvSecretKey+")")
	flags.String("region", "", "Region of S3 buckets")
	flags.Bool("insecure", false, "Use plain HTTP for MinIO endpoints")
	flags.Bool("path-style", false, "Use path-style addressing for S3")
	flags.StringP("gcs-application-name", "A", "", `GCS application name, required with GCS (suggested format "MyCompany-ProductName/1.0")`)
	flags.String("gcs-credentials-file", "", "GCS service account credentials file")
	flags.String("s3cfg", config.DefaultPropertiesFile, "Properties file with access_key, secret_key, proxy_host and proxy_port")
	flags.StringP("proxy", "z", "", "host:port of proxy server to use (defaults to proxy_host and proxy_port in --s3cfg)")

	flags.BoolP("dry-run", "n", false, "Do not actually do anything, but show what would be done")
	flags.BoolP("verbose", "v", false, "Verbose output")
	flags.BoolP("delete-removed", "X", false, "Delete objects from the destination bucket if they do not exist in the source bucket")
	flags.BoolP("cross-account-copy", "C", false, "Copy across accounts, granting full control to the destination bucket owner instead of replaying ACLs")
	flags.IntP("max-connections", "m", config.DefaultMaxConnections, "Maximum number of connections per endpoint")
	flags.IntP("max-threads", "t", config.DefaultMaxThreads, "Maximum number of concurrent workers")
	flags.IntP("max-retries", "r", config.DefaultMaxRetries, "Maximum number of attempts per request")
	flags.StringP("ctime", "c", "", "Only copy objects whose Last-Modified date is younger than this many days. Suffixes: y, M, w, d, h, m, s")
	flags.StringP("upload-part-size", "u", "4GiB", "Part size of multipart copies")
	flags.String("max-single-request-size", "5GiB", "Largest object copied with a single request")

	flags.String("journal", "", "SQLite file recording the outcome of every key")
	flags.String("report", stats.DefaultReportPath, "Report file appended at the end of the run (empty to disable)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.Duration("progress-interval", config.DefaultProgressInterval, "Interval between progress log lines (0 to disable)")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")

	failedKeysCmd.Flags().String("journal", "", "SQLite journal written by a previous run (required)")
	_ = failedKeysCmd.MarkFlagRequired("journal")
	rootCmd.AddCommand(failedKeysCmd)
}

func runMirror(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	opts, err := cfg.Options(time.Now())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.New(opts.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	mirror, err := app.New(ctx, opts, log)
	if err != nil {
		return fmt.Errorf("failed to create mirror: %w", err)
	}

	err = mirror.Run(ctx)

	if closeErr := mirror.Close(); closeErr != nil {
		log.Error("Error closing mirror", zap.Error(closeErr))
	}

	return err
}

func runFailedKeys(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("journal")
	journal, err := checkpoint.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer journal.Close()

	records, err := journal.ListFailed()
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, rec := range records {
		fmt.Fprintf(out, "%s\t%s/%s\t%s\n", rec.Op, rec.Bucket, rec.Key, rec.LastError)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
