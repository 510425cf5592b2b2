package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/ratelimitd/internal/cfg"
	"github.com/keithlinneman/ratelimitd/internal/storage"
	"github.com/keithlinneman/ratelimitd/internal/storage/memstore"
	"github.com/keithlinneman/ratelimitd/internal/storage/redisstore"
	"github.com/keithlinneman/ratelimitd/internal/storage/s3store"
)

// openBackend builds the storage provider selected by conf.Backend. awsCfg is
// only read for the s3 backend.
func openBackend(ctx context.Context, conf cfg.App, awsCfg func() (aws.Config, error)) (storage.Provider, error) {
	switch conf.Backend {
	case cfg.BackendMemory, "":
		return memstore.New(), nil
	case cfg.BackendRedis:
		return redisstore.Dial(ctx, conf.RedisAddr, conf.RedisPassword, conf.RedisDB,
			redisstore.WithPrefix(conf.RedisPrefix),
		)
	case cfg.BackendS3:
		ac, err := awsCfg()
		if err != nil {
			return nil, err
		}
		return s3store.New(s3store.Options{
			Client:            s3.NewFromConfig(ac),
			Bucket:            conf.S3Bucket,
			Prefix:            conf.S3Prefix,
			RequestsPerSecond: conf.S3RPS,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", conf.Backend)
	}
}
