// Package s3upload implements the upload collaborators on top of S3 multipart uploads.
// Every chunk is one part, the durable offset is the size of the contiguous parts
// S3 lists for the upload.
package s3upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-mediaupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

const (
	// MinPartSize is the smallest part size S3 accepts for all but the last part.
	MinPartSize int64 = 5 * 1024 * 1024
	// DefaultPartSize is used when Config.PartSize is not set.
	DefaultPartSize int64 = 16 * 1024 * 1024
	// MaxParts is the largest part count of a multipart upload.
	MaxParts = 10000

	numObjectRetries  = 3
	listPartsPageSize = 1000
)

// Config ...
type Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint for S3 compatible storages.
	Endpoint    string
	KeyPrefix   string
	ContentType string
	PartSize    int64
}

// s3API is the subset of the S3 client the backend uses.
type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Backend implements transfer.Service with S3 multipart uploads.
type Backend struct {
	client    s3API
	config    Config
	logger    log.Logger
	retryWait time.Duration
	newKey    func() string
}

// New creates a Backend with an S3 client configured from config.
// The SDK's own retries are disabled, the transfer engine retries failed parts.
func New(ctx context.Context, config Config, logger log.Logger) (*Backend, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, config.Region, config.AccessKeyID, config.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newBackend(client, config, logger), nil
}

func newBackend(client s3API, config Config, logger log.Logger) *Backend {
	if config.PartSize <= 0 {
		config.PartSize = DefaultPartSize
	}
	if config.PartSize < MinPartSize {
		logger.Warnf("Part size %s is below the S3 minimum, using %s", units.BytesSize(float64(config.PartSize)), units.BytesSize(float64(MinPartSize)))
		config.PartSize = MinPartSize
	}
	if config.PartSize > transfer.MaxChunkSize {
		logger.Warnf("Part size %s is above the chunk size limit, using %s", units.BytesSize(float64(config.PartSize)), units.BytesSize(float64(transfer.MaxChunkSize)))
		config.PartSize = transfer.MaxChunkSize
	}
	if config.ContentType == "" {
		config.ContentType = "application/octet-stream"
	}

	return &Backend{
		client:    client,
		config:    config,
		logger:    logger,
		retryWait: 5 * time.Second,
		newKey: func() string {
			return uuid.New().String()
		},
	}
}

// ChunkSize implements transfer.ChunkSizer so the engine sends exactly one part per chunk.
func (b *Backend) ChunkSize() int64 {
	return b.config.PartSize
}

// IssueUploadTicket starts a multipart upload for a new object.
func (b *Backend) IssueUploadTicket(ctx context.Context, totalLength int64) (transfer.Ticket, error) {
	if parts := (totalLength + b.config.PartSize - 1) / b.config.PartSize; parts > MaxParts {
		return transfer.Ticket{}, fmt.Errorf("%s does not fit into %d parts of %s",
			units.BytesSize(float64(totalLength)), MaxParts, units.BytesSize(float64(b.config.PartSize)))
	}

	key := path.Join(b.config.KeyPrefix, b.newKey())

	output, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.config.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(b.config.ContentType),
	})
	if err != nil {
		return transfer.Ticket{}, mapError("create multipart upload", "", err)
	}

	uploadID := aws.ToString(output.UploadId)
	b.logger.Debugf("Multipart upload %s created for s3://%s/%s", uploadID, b.config.Bucket, key)

	return transfer.Ticket{
		SessionID: uploadID,
		Endpoint:  b.objectURI(key),
	}, nil
}

// IssueReplaceTicket is not supported, S3 objects have no numeric identity to replace.
func (b *Backend) IssueReplaceTicket(context.Context, int64, int64) (transfer.Ticket, error) {
	return transfer.Ticket{}, errors.New("replacing artifacts is not supported by the S3 backend")
}

// SendChunk uploads the chunk as the part its offset belongs to.
func (b *Backend) SendChunk(ctx context.Context, ticket transfer.Ticket, chunk transfer.Chunk) error {
	key, err := b.objectKey(ticket)
	if err != nil {
		return err
	}

	if chunk.Offset%b.config.PartSize != 0 {
		return &transfer.ProtocolMismatchError{
			Reason: fmt.Sprintf("offset %d is not aligned to the part size %d", chunk.Offset, b.config.PartSize),
		}
	}
	if int64(len(chunk.Data)) > b.config.PartSize {
		return &transfer.ProtocolMismatchError{
			Reason: fmt.Sprintf("chunk of %d bytes exceeds the part size %d", len(chunk.Data), b.config.PartSize),
		}
	}

	partNumber := int32(chunk.Offset/b.config.PartSize) + 1

	_, err = b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(ticket.SessionID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(chunk.Data),
		ContentLength: aws.Int64(int64(len(chunk.Data))),
	})
	if err != nil {
		return mapError(fmt.Sprintf("upload part %d", partNumber), ticket.SessionID, err)
	}

	return nil
}

// QueryOffset returns the size of the contiguous parts starting at part 1.
// Once the upload is completed S3 forgets it, the size of the object is returned then.
func (b *Backend) QueryOffset(ctx context.Context, ticket transfer.Ticket) (int64, error) {
	parts, err := b.listParts(ctx, ticket)
	var expiredErr *transfer.SessionExpiredError
	if errors.As(err, &expiredErr) {
		return b.completedOffset(ctx, ticket, err)
	}
	if err != nil {
		return 0, err
	}

	var offset int64
	for i, part := range parts {
		if aws.ToInt32(part.PartNumber) != int32(i+1) {
			break
		}
		offset += aws.ToInt64(part.Size)
	}

	return offset, nil
}

// completedOffset returns the size of the object of a finished upload, or expiredErr
// if the object does not exist.
func (b *Backend) completedOffset(ctx context.Context, ticket transfer.Ticket, expiredErr error) (int64, error) {
	key, err := b.objectKey(ticket)
	if err != nil {
		return 0, err
	}

	size, exists, err := b.objectSize(ctx, key)
	if err != nil {
		return 0, mapError("head object", ticket.SessionID, err)
	}
	if !exists {
		return 0, expiredErr
	}

	b.logger.Debugf("Multipart upload %s is completed, object holds %d bytes", ticket.SessionID, size)
	return size, nil
}

// CompleteUpload completes the multipart upload from the listed parts.
// An upload without parts becomes an empty object.
func (b *Backend) CompleteUpload(ctx context.Context, ticket transfer.Ticket) (transfer.ArtifactIdentity, error) {
	key, err := b.objectKey(ticket)
	if err != nil {
		return transfer.ArtifactIdentity{}, err
	}

	parts, err := b.listParts(ctx, ticket)
	if err != nil {
		return transfer.ArtifactIdentity{}, err
	}

	if len(parts) == 0 {
		if err := b.completeEmpty(ctx, ticket, key); err != nil {
			return transfer.ArtifactIdentity{}, err
		}
	} else {
		completed := make([]types.CompletedPart, 0, len(parts))
		for _, part := range parts {
			completed = append(completed, types.CompletedPart{
				ETag:       part.ETag,
				PartNumber: part.PartNumber,
			})
		}

		_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(b.config.Bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(ticket.SessionID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			return transfer.ArtifactIdentity{}, mapError("complete multipart upload", ticket.SessionID, err)
		}
	}

	exists, err := b.ObjectExists(ctx, key)
	if err != nil {
		return transfer.ArtifactIdentity{}, fmt.Errorf("check uploaded object: %w", err)
	}
	if !exists {
		return transfer.ArtifactIdentity{}, &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("object %s missing after completion", key)}
	}

	b.logger.Debugf("Multipart upload %s completed (%d parts)", ticket.SessionID, len(parts))

	return transfer.ArtifactIdentity{URI: b.objectURI(key)}, nil
}

// completeEmpty replaces the multipart upload with an empty object, multipart uploads need at least one part.
func (b *Backend) completeEmpty(ctx context.Context, ticket transfer.Ticket, key string) error {
	if _, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.config.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(ticket.SessionID),
	}); err != nil {
		return mapError("abort multipart upload", ticket.SessionID, err)
	}

	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(b.config.ContentType),
	}); err != nil {
		return mapError("put empty object", "", err)
	}

	return nil
}

// Abort discards a multipart upload and its parts.
// It implements transfer.Aborter.
func (b *Backend) Abort(ctx context.Context, ticket transfer.Ticket) error {
	key, err := b.objectKey(ticket)
	if err != nil {
		return err
	}

	_, err = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.config.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(ticket.SessionID),
	})
	if err != nil {
		return mapError("abort multipart upload", ticket.SessionID, err)
	}
	return nil
}

func (b *Backend) listParts(ctx context.Context, ticket transfer.Ticket) ([]types.Part, error) {
	key, err := b.objectKey(ticket)
	if err != nil {
		return nil, err
	}

	var (
		parts  []types.Part
		marker *string
	)
	for {
		output, err := b.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(b.config.Bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(ticket.SessionID),
			MaxParts:         aws.Int32(listPartsPageSize),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, mapError("list parts", ticket.SessionID, err)
		}

		parts = append(parts, output.Parts...)

		if !aws.ToBool(output.IsTruncated) || output.NextPartNumberMarker == nil {
			break
		}
		marker = output.NextPartNumberMarker
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	return parts, nil
}

func (b *Backend) objectURI(key string) string {
	return fmt.Sprintf("s3://%s/%s", b.config.Bucket, key)
}

func (b *Backend) objectKey(ticket transfer.Ticket) (string, error) {
	prefix := fmt.Sprintf("s3://%s/", b.config.Bucket)
	if !strings.HasPrefix(ticket.Endpoint, prefix) || len(ticket.Endpoint) == len(prefix) {
		return "", &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("ticket endpoint %q is not an object of bucket %s", ticket.Endpoint, b.config.Bucket)}
	}
	return strings.TrimPrefix(ticket.Endpoint, prefix), nil
}
