package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kolkov/racecore/internal/race/config"
	"github.com/kolkov/racecore/internal/race/racelog"
)

const archiveTimeout = 2 * time.Minute

// archiveCommand implements 'racelog archive'. The bucket and credentials
// come from RACECORE_S3_*; -bucket and -prefix override them.
func archiveCommand(args []string, stdout, stderr io.Writer, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bucket := fs.String("bucket", cfg.S3Bucket, "destination bucket")
	prefix := fs.String("prefix", cfg.S3Prefix, "object key prefix")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: racelog archive [-bucket b] [-prefix p] <path>")
		return errUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	client, err := racelog.NewS3Client(ctx, racelog.S3Config{
		Bucket:          *bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		Prefix:          *prefix,
		PathStyle:       cfg.S3PathStyle,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
	})
	if err != nil {
		return err
	}
	return archive(ctx, client, *bucket, *prefix, fs.Arg(0), stdout, log)
}

func archive(ctx context.Context, client racelog.ObjectPutter, bucket, prefix, path string, stdout io.Writer, log *slog.Logger) error {
	a, err := racelog.NewArchiver(client, bucket, prefix)
	if err != nil {
		return err
	}
	key, err := a.Archive(ctx, path)
	if err != nil {
		return err
	}
	log.Info("race log archived", "path", path, "bucket", bucket, "key", key)
	fmt.Fprintf(stdout, "s3://%s/%s\n", bucket, key)
	return nil
}
