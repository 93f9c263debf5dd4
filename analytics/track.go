package analytics

import (
	"time"

	"github.com/bitrise-io/go-mediaupload/transfer"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	ExecutionIDEnvKey = "MEDIAUPLOAD_EXECUTION_ID"
	ExecutionID       = "execution_id"
	BackendName       = "backend"
)

// TransferTracker sends upload lifecycle events.
type TransferTracker struct {
	tracker analytics.Tracker
}

func NewTransferTracker(repository env.Repository, backend string, trackerFactory TrackerFactory) *TransferTracker {
	properties := analytics.Properties{BackendName: backend}
	if executionID := repository.Get(ExecutionIDEnvKey); executionID != "" {
		properties[ExecutionID] = executionID
	}
	return &TransferTracker{tracker: trackerFactory(properties)}
}

func NewDefaultTransferTracker(repository env.Repository, backend string, logger log.Logger) *TransferTracker {
	return NewTransferTracker(repository, backend, func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	})
}

func (t *TransferTracker) LogTicketIssued(sessionID string, totalBytes int64, resumed bool) {
	t.tracker.Enqueue("media_upload_ticket_issued", analytics.Properties{
		"session_id":  sessionID,
		"total_bytes": totalBytes,
		"resumed":     resumed,
	})
}

func (t *TransferTracker) LogRetry(attempt int, failure transfer.Failure, delay time.Duration) {
	t.tracker.Enqueue("media_upload_retry", analytics.Properties{
		"attempt":    attempt,
		"error_kind": failure.Kind.String(),
		"delay_ms":   delay.Milliseconds(),
	})
}

func (t *TransferTracker) LogTransferFinished(duration time.Duration, result transfer.Result) {
	t.tracker.Enqueue("media_upload_transfer_finished", analytics.Properties{
		"transfer_time_s": duration.Truncate(time.Second).Seconds(),
		"send_time_ms":    result.SendDuration.Milliseconds(),
		"bytes_written":   result.BytesWritten,
		"total_bytes":     result.TotalLength,
		"verified":        result.Verified,
		"retries":         result.Retries,
		"chunk_size":      result.ChunkSize,
		"chunks":          result.Chunks,
	})
}

func (t *TransferTracker) LogTransferFailed(err error, result transfer.Result) {
	t.tracker.Enqueue("media_upload_transfer_failed", analytics.Properties{
		"error_kind":    transfer.Classify(err).Kind.String(),
		"bytes_written": result.BytesWritten,
		"total_bytes":   result.TotalLength,
		"retries":       result.Retries,
	})
}

func (t *TransferTracker) LogFinalized(identity transfer.ArtifactIdentity) {
	t.tracker.Enqueue("media_upload_finalized", analytics.Properties{
		"artifact_uri": identity.URI,
	})
}

func (t *TransferTracker) Wait() {
	t.tracker.Wait()
}
