package s3upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-mediaupload/transfer"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ObjectExists checks if the object is present in the bucket.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, exists, err := b.objectSize(ctx, key)
	return exists, err
}

// objectSize returns the content length of the object, exists is false when there is no such object.
func (b *Backend) objectSize(ctx context.Context, key string) (size int64, exists bool, err error) {
	err = retry.Times(numObjectRetries).Wait(b.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		output, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					exists = false
					return nil, true
				}
			}
			if ctx.Err() != nil {
				return err, true
			}
			return fmt.Errorf("head object: %w", err), false
		}

		size = aws.ToInt64(output.ContentLength)
		exists = true
		return nil, true
	})

	return size, exists, err
}

// DeleteObject removes an uploaded object. Deleting a missing object is not an error.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	return retry.Times(numObjectRetries).Wait(b.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if ctx.Err() != nil {
				return err, true
			}
			return fmt.Errorf("delete object: %w", err), false
		}
		return nil, true
	})
}

var (
	busyCodes = map[string]bool{
		"SlowDown":                 true,
		"RequestLimitExceeded":     true,
		"ServiceUnavailable":       true,
		"Throttling":               true,
		"ThrottlingException":      true,
		"TooManyRequestsException": true,
	}
	transientCodes = map[string]bool{
		"InternalError":  true,
		"RequestTimeout": true,
	}
	authCodes = map[string]bool{
		"AccessDenied":          true,
		"InvalidAccessKeyId":    true,
		"SignatureDoesNotMatch": true,
		"ExpiredToken":          true,
	}
	mismatchCodes = map[string]bool{
		"InvalidPart":      true,
		"InvalidPartOrder": true,
		"EntityTooSmall":   true,
		"InvalidArgument":  true,
		"InvalidRange":     true,
	}
)

// mapError maps S3 errors to the transfer error taxonomy.
func mapError(op, uploadID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return &transfer.TransientNetworkError{Op: op, Err: err}
	}

	code := apiError.ErrorCode()
	switch {
	case code == "NoSuchUpload":
		return &transfer.SessionExpiredError{SessionID: uploadID, Err: err}
	case busyCodes[code]:
		return &transfer.ServerBusyError{Op: op, Err: err}
	case transientCodes[code]:
		return &transfer.TransientNetworkError{Op: op, Err: err}
	case authCodes[code]:
		return &transfer.AuthError{Message: apiError.ErrorMessage()}
	case code == "EntityTooLarge" || code == "QuotaExceeded":
		return &transfer.QuotaError{Message: apiError.ErrorMessage()}
	case mismatchCodes[code]:
		return &transfer.ProtocolMismatchError{Reason: op, Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("Using static aws credentials")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
