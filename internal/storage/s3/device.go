// Package s3 implements a block device backed by S3-compatible object
// storage. Each block is one object; blocks that were never written
// read as zeros, so devices are sparse.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/utils"
)

// Config represents S3 device configuration.
type Config struct {
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	PathStyle  bool   `yaml:"path_style"`
	BlockSize  int    `yaml:"block_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// NewDefaultConfig returns the standard S3 device settings.
func NewDefaultConfig() *Config {
	return &Config{
		Region:     "us-east-1",
		BlockSize:  4096,
		MaxRetries: 3,
	}
}

// Device adapts an S3 bucket to the block device interface. The device
// ID is derived from the bucket and prefix, so the same location maps
// to the same cache keys across runs.
type Device struct {
	client *s3.Client
	config *Config
	ctx    context.Context
	id     uint64
	log    *utils.Logger
}

// NewDevice creates an S3-backed device. The context bounds all later
// object operations, since the block cache drives the device without
// one.
func NewDevice(ctx context.Context, cfg *Config, logger *utils.Logger) (*Device, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidArg, "bucket name cannot be empty").
			WithComponent("s3").WithOp("new")
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 4096
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
	})

	return &Device{
		client: client,
		config: cfg,
		ctx:    ctx,
		id:     deviceIDFor(cfg.Bucket, cfg.Prefix),
		log:    logger.WithComponent("s3"),
	}, nil
}

// DeviceID returns the stable identifier for this bucket location.
func (d *Device) DeviceID() uint64 { return d.id }

// BlockSize returns the fixed block size in bytes.
func (d *Device) BlockSize() int { return d.config.BlockSize }

// ReadBlock fetches one block object. A missing object reads as zeros.
func (d *Device) ReadBlock(blockNum uint64, buf []byte) error {
	out, err := d.client.GetObject(d.ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.config.Bucket),
		Key:    aws.String(d.objectKey(blockNum)),
	})
	if err != nil {
		if isNotFound(err) {
			for i := range buf {
				buf[i] = 0
			}
			return nil
		}
		return errors.Newf(errors.ErrCodeIOError, "get block %d: %v", blockNum, err).
			WithComponent("s3").WithOp("read").WithCause(err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return errors.Newf(errors.ErrCodeIOError, "read block %d body: %v", blockNum, err).
			WithComponent("s3").WithOp("read").WithCause(err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WriteBlock stores one block object.
func (d *Device) WriteBlock(blockNum uint64, buf []byte) error {
	_, err := d.client.PutObject(d.ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.config.Bucket),
		Key:    aws.String(d.objectKey(blockNum)),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return errors.Newf(errors.ErrCodeIOError, "put block %d: %v", blockNum, err).
			WithComponent("s3").WithOp("write").WithCause(err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (d *Device) HealthCheck(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.config.Bucket),
	})
	if err != nil {
		return errors.Newf(errors.ErrCodeIOError, "bucket %s unreachable: %v", d.config.Bucket, err).
			WithComponent("s3").WithOp("health").WithCause(err)
	}
	return nil
}

func (d *Device) objectKey(blockNum uint64) string {
	prefix := d.config.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return fmt.Sprintf("%sblocks/%016x", prefix, blockNum)
}

func deviceIDFor(bucket, prefix string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(bucket))
	h.Write([]byte{0})
	h.Write([]byte(prefix))
	return h.Sum64()
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
