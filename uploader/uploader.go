// Package uploader ties the transfer engine, a backend and the local file handling together.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-mediaupload/content"
	"github.com/bitrise-io/go-mediaupload/progress"
	"github.com/bitrise-io/go-mediaupload/resume"
	"github.com/bitrise-io/go-mediaupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// ErrNoArtifactStore is returned by artifact lookups when the backend can not look up artifacts.
var ErrNoArtifactStore = errors.New("backend does not support artifact lookups")

// Tracker receives transfer lifecycle events.
type Tracker interface {
	LogTicketIssued(sessionID string, totalBytes int64, resumed bool)
	LogRetry(attempt int, failure transfer.Failure, delay time.Duration)
	LogTransferFinished(duration time.Duration, result transfer.Result)
	LogTransferFailed(err error, result transfer.Result)
	LogFinalized(identity transfer.ArtifactIdentity)
	Wait()
}

type noopTracker struct{}

func (noopTracker) LogTicketIssued(string, int64, bool)                {}
func (noopTracker) LogRetry(int, transfer.Failure, time.Duration)      {}
func (noopTracker) LogTransferFinished(time.Duration, transfer.Result) {}
func (noopTracker) LogTransferFailed(error, transfer.Result)           {}
func (noopTracker) LogFinalized(transfer.ArtifactIdentity)             {}
func (noopTracker) Wait()                                              {}

// Uploader uploads content to a backend and finalizes it into a hosted artifact.
// It is safe for concurrent use, every upload runs on its own transfer engine.
type Uploader struct {
	service     transfer.Service
	config      Config
	logger      log.Logger
	opener      *content.Opener
	resumeStore resume.Store
}

// New creates an Uploader. Credentials and endpoints are part of the service.
// Zero fields of config are set to their defaults one by one.
func New(service transfer.Service, config Config, logger log.Logger) *Uploader {
	defaults := DefaultConfig()
	if config.Policy.IsZero() {
		config.Policy = defaults.Policy
	}
	if config.OperationTimeout == 0 {
		config.OperationTimeout = defaults.OperationTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Tracker == nil {
		config.Tracker = noopTracker{}
	}
	if config.NewReporter == nil {
		config.NewReporter = func() progress.Reporter { return progress.NoOp{} }
	}

	return &Uploader{
		service:     service,
		config:      config,
		logger:      logger,
		opener:      content.NewOpener(logger),
		resumeStore: resume.NewStore(),
	}
}

// Upload negotiates a new session, transfers src and finalizes the artifact.
// The returned Outcome describes how far the upload got, also when an error is returned.
func (u *Uploader) Upload(ctx context.Context, src transfer.Source) (transfer.Outcome, error) {
	return u.upload(ctx, src, nil)
}

// Replace uploads src as the new content of an existing artifact.
func (u *Uploader) Replace(ctx context.Context, artifactID int64, src transfer.Source) (transfer.Outcome, error) {
	ticket, err := u.service.IssueReplaceTicket(ctx, artifactID, src.Length())
	if err != nil {
		return transfer.Outcome{}, fmt.Errorf("issue replace ticket for artifact %d: %w", artifactID, err)
	}
	u.config.Tracker.LogTicketIssued(ticket.SessionID, src.Length(), false)

	return u.run(ctx, ticket, src, false)
}

// ResumeUpload continues a previously negotiated session from the offset the remote side holds.
// A finalized ticket is rejected, its session can not take more bytes.
func (u *Uploader) ResumeUpload(ctx context.Context, ticket transfer.Ticket, src transfer.Source) (transfer.Outcome, error) {
	if ticket.IsFinalized() {
		return transfer.Outcome{Ticket: ticket}, &transfer.ProtocolMismatchError{
			Reason: fmt.Sprintf("session %s is already finalized as %s", ticket.SessionID, *ticket.ArtifactURI),
		}
	}
	u.config.Tracker.LogTicketIssued(ticket.SessionID, src.Length(), true)
	return u.run(ctx, ticket, src, true)
}

// Verify returns the number of bytes the remote side durably holds for a session.
func (u *Uploader) Verify(ctx context.Context, ticket transfer.Ticket) (int64, error) {
	return transfer.NewProbe(u.service, u.config.OperationTimeout, u.logger).Probe(ctx, ticket)
}

// GetArtifact looks up a hosted artifact, nil means it does not exist.
func (u *Uploader) GetArtifact(ctx context.Context, id int64) (*transfer.ArtifactIdentity, error) {
	store, ok := u.service.(transfer.ArtifactStore)
	if !ok {
		return nil, ErrNoArtifactStore
	}
	return store.GetArtifact(ctx, id)
}

// DeleteArtifact removes a hosted artifact and reports whether it existed.
func (u *Uploader) DeleteArtifact(ctx context.Context, id int64) (bool, error) {
	store, ok := u.service.(transfer.ArtifactStore)
	if !ok {
		return false, ErrNoArtifactStore
	}
	return store.DeleteArtifact(ctx, id)
}

// Wait blocks until the queued transfer events are sent.
func (u *Uploader) Wait() {
	u.config.Tracker.Wait()
}

func (u *Uploader) upload(ctx context.Context, src transfer.Source, onTicket func(transfer.Ticket)) (transfer.Outcome, error) {
	ticket, err := u.service.IssueUploadTicket(ctx, src.Length())
	if err != nil {
		return transfer.Outcome{}, fmt.Errorf("issue upload ticket: %w", err)
	}
	u.logger.Debugf("Upload session %s issued for %s", ticket.SessionID, units.BytesSize(float64(src.Length())))
	u.config.Tracker.LogTicketIssued(ticket.SessionID, src.Length(), false)

	if onTicket != nil {
		onTicket(ticket)
	}

	return u.run(ctx, ticket, src, false)
}

// run transfers src on a fresh engine and finalizes the session once the transfer completed.
// The returned outcome carries the ticket, populated with the artifact identity on success.
func (u *Uploader) run(ctx context.Context, ticket transfer.Ticket, src transfer.Source, resumed bool) (transfer.Outcome, error) {
	outcome, err := u.transferAndFinalize(ctx, ticket, src, resumed)
	if !outcome.Ticket.IsFinalized() {
		outcome.Ticket = ticket
	}
	return outcome, err
}

func (u *Uploader) transferAndFinalize(ctx context.Context, ticket transfer.Ticket, src transfer.Source, resumed bool) (transfer.Outcome, error) {
	reporter := u.config.NewReporter()
	engine := transfer.NewEngine(u.service, transfer.Config{
		ChunkSize:        u.config.ChunkSize,
		Policy:           u.config.Policy,
		OperationTimeout: u.config.OperationTimeout,
		Progress:         progress.Func(reporter),
		OnRetry: func(attempt int, failure transfer.Failure, delay time.Duration) {
			u.logger.Warnf("Transfer attempt %d failed (%s), retrying in %s", attempt, failure.Kind, delay.Round(time.Millisecond))
			u.config.Tracker.LogRetry(attempt, failure, delay)
		},
		Sleep: u.config.Sleep,
	}, u.logger)

	reporter.Start(src.Length(), "Uploading")
	startTime := time.Now()

	var (
		result transfer.Result
		err    error
	)
	if resumed {
		result, err = engine.Resume(ctx, ticket, src)
	} else {
		result, err = engine.Transfer(ctx, ticket, src, 0)
	}
	reporter.Finish()

	if err != nil {
		u.config.Tracker.LogTransferFailed(err, result)
		u.abortIfUnusable(ctx, ticket, err)
		return transfer.NewOutcome(result, nil), fmt.Errorf("transfer session %s: %w", ticket.SessionID, err)
	}
	if result.State != transfer.StateCompleted {
		return transfer.NewOutcome(result, nil), fmt.Errorf("transfer session %s ended in state %s", ticket.SessionID, result.State)
	}

	transferTime := time.Since(startTime)
	u.config.Tracker.LogTransferFinished(transferTime, result)
	u.logger.Donef("Transferred %s in %s (%d chunks of %s)", units.BytesSize(float64(result.BytesWritten)),
		transferTime.Round(time.Second), result.Chunks, units.BytesSize(float64(result.ChunkSize)))

	identity, err := u.service.CompleteUpload(ctx, ticket)
	if err != nil {
		return transfer.NewOutcome(result, nil), fmt.Errorf("complete upload of session %s: %w", ticket.SessionID, err)
	}
	u.config.Tracker.LogFinalized(identity)
	u.logger.Infof("Upload finalized: %s", identity.URI)

	outcome := transfer.NewOutcome(result, &identity)
	outcome.Ticket = ticket.WithArtifact(identity)
	return outcome, nil
}

// abortIfUnusable discards the session on backends that support it after a protocol
// violation, resuming such a session can not succeed.
func (u *Uploader) abortIfUnusable(ctx context.Context, ticket transfer.Ticket, err error) {
	aborter, ok := u.service.(transfer.Aborter)
	if !ok || transfer.Classify(err).Kind != transfer.KindProtocolMismatch {
		return
	}

	if abortErr := aborter.Abort(ctx, ticket); abortErr != nil {
		u.logger.Warnf("Failed to abort session %s: %s", ticket.SessionID, abortErr)
		return
	}
	u.logger.Debugf("Session %s aborted", ticket.SessionID)
}
