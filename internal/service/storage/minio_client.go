// Package storage presigns avatar object URLs in MinIO.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"teamcall-backend/pkg/constants"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerHalfOpen
	CircuitBreakerOpen
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxFailures  int
	Timeout      time.Duration
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns default circuit breaker settings
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		Timeout:      10 * time.Second,
		ResetTimeout: 30 * time.Second,
	}
}

type breaker struct {
	mu          sync.Mutex
	config      *CircuitBreakerConfig
	state       CircuitBreakerState
	failures    int
	lastFailure time.Time
	now         func() time.Time
}

func newBreaker(cfg *CircuitBreakerConfig) *breaker {
	return &breaker{config: cfg, now: time.Now}
}

// allow reports whether a call may proceed; an open breaker half-opens
// after ResetTimeout
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitBreakerOpen && b.now().Sub(b.lastFailure) >= b.config.ResetTimeout {
		b.state = CircuitBreakerHalfOpen
	}
	return b.state != CircuitBreakerOpen
}

func (b *breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = CircuitBreakerClosed
	b.lastFailure = time.Time{}
}

func (b *breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	logger.Warn("MinIO operation failed", zap.Int("failures", b.failures), zap.Error(err))

	if b.state == CircuitBreakerHalfOpen || b.failures >= b.config.MaxFailures {
		b.state = CircuitBreakerOpen
		logger.Warn("MinIO circuit breaker opened", zap.Int("failures", b.failures))
	}
}

func (b *breaker) getState() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// MinioClient presigns avatar URLs behind a circuit breaker
type MinioClient struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	cb     *breaker
}

// NewMinioClient creates a new MinIO client for the avatars bucket.
// Setting the region avoids a bucket-location lookup on every presign.
func NewMinioClient(endpoint, accessKey, secretKey, bucket, region string, useSSL bool) (*MinioClient, error) {
	if region == "" {
		region = "us-east-1"
	}
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinioClient{
		client: minioClient,
		bucket: bucket,
		expiry: constants.AvatarURLExpiry,
		cb:     newBreaker(DefaultCircuitBreakerConfig()),
	}, nil
}

// PresignAvatar returns a time-limited GET URL for an avatar object key
func (c *MinioClient) PresignAvatar(ctx context.Context, objectKey string) (string, error) {
	if objectKey == "" {
		return "", apperrors.MissingFieldError("avatar_ref")
	}
	if !c.cb.allow() {
		return "", apperrors.StorageError(ErrCircuitOpen)
	}

	presignCtx, cancel := context.WithTimeout(ctx, c.cb.config.Timeout)
	defer cancel()

	u, err := c.client.PresignedGetObject(presignCtx, c.bucket, objectKey, c.expiry, url.Values{})
	if err != nil {
		c.cb.onFailure(err)
		return "", apperrors.StorageError(err)
	}
	c.cb.onSuccess()
	return u.String(), nil
}

// GetState returns the current circuit breaker state
func (c *MinioClient) GetState() CircuitBreakerState {
	return c.cb.getState()
}

// Check reports ErrCircuitOpen while the breaker is rejecting calls
func (c *MinioClient) Check() error {
	if c.GetState() == CircuitBreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}
