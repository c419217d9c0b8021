package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/config"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/metrics"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/mirror"
)

// buildMirror returns nil when mirroring is off. Credentials come from the environment so
// they stay out of the config file; without them the default AWS chain applies.
func buildMirror(ctx context.Context, cfg config.Mirror, m *metrics.Metrics, logger *slog.Logger) (*mirror.Mirror, error) {
	if !envBool("MOMO_MIRROR", cfg.Enabled) {
		return nil, nil
	}
	up, err := mirror.NewS3(ctx, mirror.S3Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     strings.TrimSpace(os.Getenv("MOMO_S3_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("MOMO_S3_SECRET_ACCESS_KEY")),
		PathStyle:       cfg.PathStyle,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("snapshot mirror enabled", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return mirror.New(up, mirror.Config{
		Prefix:  cfg.Prefix,
		Workers: envInt("MOMO_MIRROR_WORKERS", 2),
		Logger:  logger,
		OnResult: func(result string) {
			m.MirrorUploads.WithLabelValues(result).Inc()
		},
	}), nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
