package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Probe reads the durable offset of an upload session.
// It has no side effects and can be called any number of times, including after completion.
type Probe struct {
	querier OffsetQuerier
	timeout time.Duration
	logger  log.Logger
}

// NewProbe creates a Probe. A timeout of zero or less disables the per-call deadline.
func NewProbe(querier OffsetQuerier, timeout time.Duration, logger log.Logger) *Probe {
	return &Probe{
		querier: querier,
		timeout: timeout,
		logger:  logger,
	}
}

// Probe returns the byte offset the remote side has durably recorded for the ticket.
// A SessionExpiredError is returned unchanged.
func (p *Probe) Probe(ctx context.Context, ticket Ticket) (int64, error) {
	probeCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	offset, err := p.querier.QueryOffset(probeCtx, ticket)
	if err != nil {
		return 0, err
	}

	if offset < 0 {
		return 0, &ProtocolMismatchError{Reason: fmt.Sprintf("remote reported negative offset %d", offset)}
	}

	p.logger.Debugf("Session %s: remote offset is %d", ticket.SessionID, offset)

	return offset, nil
}
