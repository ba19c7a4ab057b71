// Package audit archives publish-session lifecycle events to S3 for
// compliance and debugging. It never stores media frames, only the
// metadata describing when and by whom a stream key was published.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	apperrors "github.com/aminofox/rtmpingest/pkg/errors"
	"github.com/aminofox/rtmpingest/pkg/logger"
)

// EventKind distinguishes the publish-session lifecycle events this
// package archives.
type EventKind string

const (
	EventPublishStarted  EventKind = "publish_started"
	EventPublishEnded    EventKind = "publish_ended"
	EventPublishRejected EventKind = "publish_rejected"
)

// Event is one archived publish-session lifecycle record.
type Event struct {
	Kind       EventKind `json:"kind"`
	StreamKey  string    `json:"stream_key"`
	SessionID  string    `json:"session_id"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Config configures the S3(-compatible) backend the Archiver writes to.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Archiver uploads one JSON object per archived Event.
type Archiver struct {
	client *s3.Client
	bucket string
	log    logger.Logger
}

// New builds an Archiver from cfg. A static access key pair is used when
// provided; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config, log logger.Logger) (*Archiver, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidConfig, "audit: failed to load AWS config", err)
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) { o.UsePathStyle = true },
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		log:    log,
	}, nil
}

// Record archives ev as a single JSON object keyed by session id and
// timestamp.
func (a *Archiver) Record(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeUnknown, "audit: failed to marshal event", err)
	}

	key := objectKey(ev)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		if a.isMissingBucketError(err) {
			return apperrors.Wrap(apperrors.ErrCodeInvalidConfig, "audit: destination bucket does not exist", err)
		}
		return apperrors.Wrap(apperrors.ErrCodeNetworkError, "audit: failed to upload event", err)
	}

	a.log.Info("audit: event archived",
		logger.String("stream_key", ev.StreamKey),
		logger.String("kind", string(ev.Kind)),
		logger.String("key", key),
	)
	return nil
}

// isMissingBucketError reports whether err is S3 rejecting the upload
// because the configured bucket does not exist, as opposed to a
// transient network failure worth retrying.
func (a *Archiver) isMissingBucketError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchBucket"
	}
	return false
}

// objectKey derives the S3 object key for an archived event: one object
// per session per lifecycle event, ordered by occurrence time.
func objectKey(ev Event) string {
	return fmt.Sprintf("sessions/%s/%d-%s.json", ev.SessionID, ev.OccurredAt.UnixNano(), ev.Kind)
}
