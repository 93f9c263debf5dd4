package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Source is the part of a content source the engine reads from.
type Source interface {
	Length() int64
	ReadAt(offset int64, maxBytes int) ([]byte, error)
}

// State is a state of the transfer state machine.
type State int

const (
	StateIdle State = iota
	StateSending
	StateVerifying
	StateResuming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateVerifying:
		return "verifying"
	case StateResuming:
		return "resuming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result describes where an attempt sequence ended.
type Result struct {
	// BytesWritten is the remote confirmed offset once verified, the local offset otherwise.
	BytesWritten int64
	TotalLength  int64
	Verified     bool
	Retries      int
	State        State

	// ChunkSize is the chunk size the transfer used.
	ChunkSize int64
	// Chunks is the number of chunks the remote side accepted.
	Chunks int
	// SendDuration is the time spent in accepted chunk transmissions.
	SendDuration time.Duration
}

// AverageSend returns the mean duration of an accepted chunk transmission.
func (r Result) AverageSend() time.Duration {
	if r.Chunks == 0 {
		return 0
	}
	return r.SendDuration / time.Duration(r.Chunks)
}

// Engine drives a single offset-tracked transfer.
// An Engine is not safe for concurrent use; run one Engine per transfer.
type Engine struct {
	config    Config
	transport Transport
	probe     *Probe
	logger    log.Logger
}

// NewEngine creates a new Engine sending chunks over the given transport.
// Zero fields of config are set to their defaults one by one.
func NewEngine(transport Transport, config Config, logger log.Logger) *Engine {
	if sizer, ok := transport.(ChunkSizer); ok && sizer.ChunkSize() > 0 {
		config.ChunkSize = sizer.ChunkSize()
	}
	config = config.withDefaults()

	return &Engine{
		config:    config,
		transport: transport,
		probe:     NewProbe(transport, config.OperationTimeout, logger),
		logger:    logger,
	}
}

// Probe returns the verification probe used by the engine.
func (e *Engine) Probe() *Probe {
	return e.probe
}

// ChunkSize returns the chunk size used for a source of the given length.
func (e *Engine) ChunkSize(length int64) int64 {
	if e.config.ChunkSize > 0 {
		return e.config.ChunkSize
	}
	return OptimalChunkSize(length, DefaultTargetChunks)
}

// Resume probes the remote offset of the ticket and continues the transfer from there.
func (e *Engine) Resume(ctx context.Context, ticket Ticket, src Source) (Result, error) {
	offset, err := e.probe.Probe(ctx, ticket)
	if err != nil {
		return Result{TotalLength: src.Length(), State: StateFailed}, fmt.Errorf("probe remote offset: %w", err)
	}

	e.logger.Infof("Resuming session %s at %s of %s", ticket.SessionID,
		units.BytesSize(float64(offset)), units.BytesSize(float64(src.Length())))

	return e.Transfer(ctx, ticket, src, offset)
}

// Transfer sends src to the ticket endpoint starting at startOffset and returns once the
// remote side confirmed every byte or the transfer failed.
// A locally sent chunk is never taken as proof of durability: success is only declared
// after the remote offset equals the source length.
func (e *Engine) Transfer(ctx context.Context, ticket Ticket, src Source, startOffset int64) (Result, error) {
	total := src.Length()
	run := &attempt{
		engine:    e,
		ticket:    ticket,
		src:       src,
		total:     total,
		chunkSize: e.ChunkSize(total),
		offset:    startOffset,
		state:     StateIdle,
	}

	return run.execute(ctx)
}

// attempt holds the mutable state of one attempt sequence.
type attempt struct {
	engine    *Engine
	ticket    Ticket
	src       Source
	total     int64
	chunkSize int64
	state     State

	offset int64
	// failures counts consecutive failed operations, reset by an accepted chunk.
	failures int
	// stalls counts verifications that found no remote progress.
	stalls   int
	retries  int
	verified bool

	// lastShortfall is the remote offset of the last incomplete verification, -1 if none.
	lastShortfall int64

	chunks       int
	sendDuration time.Duration
}

func (a *attempt) execute(ctx context.Context) (Result, error) {
	e := a.engine
	a.lastShortfall = -1

	if a.offset < 0 || a.offset > a.total {
		a.transition(StateFailed)
		return a.result(), &ProtocolMismatchError{
			Reason: fmt.Sprintf("start offset %d outside of source length %d", a.offset, a.total),
		}
	}

	e.logger.Debugf("Transferring %s to session %s in chunks of %s (start offset: %d)",
		units.BytesSize(float64(a.total)), a.ticket.SessionID,
		units.BytesSize(float64(a.chunkSize)), a.offset)

	for {
		if err := ctx.Err(); err != nil {
			a.transition(StateFailed)
			return a.result(), Failure{Kind: KindCancelled, Err: fmt.Errorf("transfer cancelled at offset %d: %w", a.offset, err)}
		}

		var err error
		switch a.state {
		case StateIdle:
			if a.offset == a.total {
				a.transition(StateVerifying)
			} else {
				a.transition(StateSending)
			}
		case StateSending:
			err = a.send(ctx)
		case StateVerifying:
			err = a.verify(ctx)
		case StateResuming:
			err = a.resume(ctx)
		case StateCompleted:
			e.logger.Debugf("Session %s verified complete (%d bytes, %d chunks, %d retries)", a.ticket.SessionID, a.total, a.chunks, a.retries)
			return a.result(), nil
		case StateFailed:
			return a.result(), fmt.Errorf("transfer failed in unexpected state")
		}

		if err != nil {
			a.transition(StateFailed)
			return a.result(), err
		}
	}
}

func (a *attempt) send(ctx context.Context) error {
	e := a.engine

	if a.offset >= a.total {
		a.transition(StateVerifying)
		return nil
	}

	data, err := a.src.ReadAt(a.offset, int(a.chunkSize))
	if err != nil {
		return &ResourceError{Op: fmt.Sprintf("read source at offset %d", a.offset), Err: err}
	}
	if len(data) == 0 {
		return &ResourceError{Op: fmt.Sprintf("read source at offset %d", a.offset), Err: fmt.Errorf("unexpected end of source")}
	}

	chunk := Chunk{Offset: a.offset, Data: data, Total: a.total}

	e.logger.Debugf("Sending bytes %d-%d/%d [sent=%d] [avg=%v]",
		chunk.Offset, chunk.End()-1, chunk.Total, a.chunks, a.result().AverageSend().Round(time.Millisecond))

	start := time.Now()
	err = a.withTimeout(ctx, func(opCtx context.Context) error {
		return e.transport.SendChunk(opCtx, a.ticket, chunk)
	})
	if err != nil {
		return a.handleFailure(ctx, fmt.Errorf("send bytes %d-%d: %w", chunk.Offset, chunk.End()-1, err), &a.failures)
	}

	a.chunks++
	a.sendDuration += time.Since(start)
	a.offset = chunk.End()
	a.failures = 0

	if e.config.Progress != nil {
		e.config.Progress(a.offset, a.total)
	}

	return nil
}

func (a *attempt) verify(ctx context.Context) error {
	e := a.engine

	remote, err := a.probeRemote(ctx)
	if err != nil {
		return a.handleFailure(ctx, fmt.Errorf("verify: %w", err), &a.failures)
	}

	switch {
	case remote == a.total:
		a.offset = remote
		a.verified = true
		a.transition(StateCompleted)
		return nil
	case remote > a.total:
		return &ProtocolMismatchError{
			Reason: fmt.Sprintf("remote offset %d exceeds source length %d", remote, a.total),
		}
	}

	e.logger.Warnf("Remote holds %d of %d bytes after sending everything, resuming", remote, a.total)

	if a.lastShortfall >= 0 && remote <= a.lastShortfall {
		a.lastShortfall = remote
		confirmed := remote
		stuck := &TransientNetworkError{
			Op:  "verify",
			Err: fmt.Errorf("remote offset stuck at %d of %d", remote, a.total),
		}
		return a.handleFailure(ctx, Failure{Kind: KindTransientNetwork, Err: stuck, ConfirmedOffset: &confirmed}, &a.stalls)
	}

	a.lastShortfall = remote
	a.offset = remote
	a.transition(StateResuming)
	a.transition(StateSending)
	return nil
}

func (a *attempt) resume(ctx context.Context) error {
	remote, err := a.probeRemote(ctx)
	if err != nil {
		return a.handleFailure(ctx, fmt.Errorf("probe resume offset: %w", err), &a.failures)
	}

	if remote > a.total {
		return &ProtocolMismatchError{
			Reason: fmt.Sprintf("remote offset %d exceeds source length %d", remote, a.total),
		}
	}

	if remote != a.offset {
		a.engine.logger.Debugf("Resuming at remote offset %d (local offset was %d)", remote, a.offset)
	}
	a.offset = remote
	a.transition(StateSending)
	return nil
}

// handleFailure classifies err and either schedules a retry through the Resuming state
// or returns the error that fails the attempt sequence. counter is the failure run the
// error belongs to.
func (a *attempt) handleFailure(ctx context.Context, err error, counter *int) error {
	e := a.engine

	if ctx.Err() != nil {
		return Failure{Kind: KindCancelled, Err: fmt.Errorf("transfer cancelled at offset %d: %w", a.offset, ctx.Err())}
	}

	failure := Classify(err)
	*counter++
	decision := e.config.Policy.Decide(failure, *counter)
	if !decision.ShouldRetry {
		e.logger.Errorf("Transfer failed (%s): %s", failure.Kind, decision.Err)
		return decision.Err
	}

	a.retries++
	e.logger.Warnf("Attempt %d failed (%s): %s, retrying in %s", *counter, failure.Kind, err, decision.Delay.Round(time.Millisecond))
	if e.config.OnRetry != nil {
		e.config.OnRetry(*counter, failure, decision.Delay)
	}

	if err := e.config.Sleep(ctx, decision.Delay); err != nil {
		return Failure{Kind: KindCancelled, Err: fmt.Errorf("transfer cancelled while waiting to retry: %w", err)}
	}

	if decision.ResumeOffset != nil {
		e.logger.Debugf("Resuming at confirmed offset %d", *decision.ResumeOffset)
		a.offset = *decision.ResumeOffset
		a.transition(StateResuming)
		a.transition(StateSending)
		return nil
	}

	a.transition(StateResuming)
	return nil
}

// probeRemote relies on the probe's own per-call timeout.
func (a *attempt) probeRemote(ctx context.Context) (int64, error) {
	return a.engine.probe.Probe(ctx, a.ticket)
}

func (a *attempt) withTimeout(ctx context.Context, op func(context.Context) error) error {
	timeout := a.engine.config.OperationTimeout
	if timeout <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(opCtx)
	if err != nil && ctx.Err() == nil && opCtx.Err() == context.DeadlineExceeded {
		return &TransientNetworkError{Op: "operation timed out", Err: err}
	}
	return err
}

func (a *attempt) transition(to State) {
	from := a.state
	a.state = to
	if hook := a.engine.config.OnStateChange; hook != nil && from != to {
		hook(from, to)
	}
}

func (a *attempt) result() Result {
	return Result{
		BytesWritten: a.offset,
		TotalLength:  a.total,
		Verified:     a.verified,
		Retries:      a.retries,
		State:        a.state,
		ChunkSize:    a.chunkSize,
		Chunks:       a.chunks,
		SendDuration: a.sendDuration,
	}
}
