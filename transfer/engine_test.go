package transfer_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-mediaupload/content"
	"github.com/bitrise-io/go-mediaupload/internal/fakeremote"
	"github.com/bitrise-io/go-mediaupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func testConfig(chunkSize int64, recorder *sleepRecorder) transfer.Config {
	config := transfer.DefaultConfig()
	config.ChunkSize = chunkSize
	config.Policy = transfer.Policy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
	}
	config.Sleep = recorder.sleep
	return config
}

func newTicket(t *testing.T, service *fakeremote.Service, size int64) transfer.Ticket {
	ticket, err := service.IssueUploadTicket(context.Background(), size)
	require.NoError(t, err)
	return ticket
}

func transientSendErr() error {
	return &transfer.TransientNetworkError{Op: "send", Err: io.ErrUnexpectedEOF}
}

// assertContiguous checks that accepted bytes were delivered in increasing, non-overlapping order.
func assertContiguous(t *testing.T, sent []fakeremote.SentChunk) {
	var next int64
	for i, chunk := range sent {
		assert.Equal(t, next, chunk.Offset, "chunk %d starts at an unexpected offset", i)
		next = chunk.Offset + int64(chunk.Accepted)
	}
}

func TestEngine_Transfer_ThreeChunks(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	ticket := newTicket(t, service, int64(len(data)))
	recorder := &sleepRecorder{}

	var transitions []string
	config := testConfig(4096, recorder)
	config.OnStateChange = func(from, to transfer.State) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
	}
	var progress []int64
	config.Progress = func(written, total int64) {
		assert.Equal(t, int64(10000), total)
		progress = append(progress, written)
	}

	engine := transfer.NewEngine(service, config, log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.NoError(t, err)

	var lengths []int
	for _, chunk := range service.Sent() {
		lengths = append(lengths, chunk.Length)
	}
	assert.Equal(t, []int{4096, 4096, 1808}, lengths)
	assert.Equal(t, 3, service.SendCalls())
	assert.Equal(t, 1, service.ProbeCalls())
	assert.Empty(t, recorder.delays)
	assert.Equal(t, []int64{4096, 8192, 10000}, progress)
	assert.Equal(t, []string{"idle->sending", "sending->verifying", "verifying->completed"}, transitions)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, int64(4096), result.ChunkSize)

	outcome := transfer.NewOutcome(result, nil)
	assert.Equal(t, transfer.Outcome{BytesWritten: 10000, AllBytesWritten: true, IsVerifiedComplete: true}, outcome)
	assert.Equal(t, data, service.Received(ticket.SessionID))
}

func TestEngine_Transfer_Completeness(t *testing.T) {
	for _, size := range []int{1, 4095, 4096, 4097, 12288, 50000} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			data := testData(size)
			service := fakeremote.New()
			ticket := newTicket(t, service, int64(size))

			engine := transfer.NewEngine(service, testConfig(4096, &sleepRecorder{}), log.NewLogger())
			result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
			require.NoError(t, err)

			assert.Equal(t, int64(size), result.BytesWritten)
			assert.True(t, result.Verified)
			assert.Equal(t, transfer.StateCompleted, result.State)
			assert.Equal(t, data, service.Received(ticket.SessionID))
		})
	}
}

func TestEngine_Transfer_ZeroLength(t *testing.T) {
	service := fakeremote.New()
	ticket := newTicket(t, service, 0)

	var transitions []string
	config := testConfig(4096, &sleepRecorder{})
	config.OnStateChange = func(from, to transfer.State) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
	}

	engine := transfer.NewEngine(service, config, log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(nil), 0)
	require.NoError(t, err)

	assert.Equal(t, 0, service.SendCalls())
	assert.Equal(t, 1, service.ProbeCalls())
	assert.Equal(t, []string{"idle->verifying", "verifying->completed"}, transitions)

	outcome := transfer.NewOutcome(result, nil)
	assert.True(t, outcome.IsVerifiedComplete)
	assert.True(t, outcome.AllBytesWritten)
	assert.Equal(t, int64(0), outcome.BytesWritten)
}

func TestEngine_Transfer_SecondChunkFailsTwice(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	service.OnSend = func(call int, chunk transfer.Chunk) (int, error) {
		if chunk.Offset == 4096 && call <= 2 {
			return 0, transientSendErr()
		}
		return -1, nil
	}
	ticket := newTicket(t, service, int64(len(data)))
	recorder := &sleepRecorder{}

	engine := transfer.NewEngine(service, testConfig(4096, recorder), log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, recorder.delays)
	assert.Equal(t, 5, service.SendCalls())
	assert.Equal(t, 2, result.Retries)

	outcome := transfer.NewOutcome(result, nil)
	assert.Equal(t, int64(10000), outcome.BytesWritten)
	assert.True(t, outcome.IsVerifiedComplete)
	assert.Equal(t, data, service.Received(ticket.SessionID))
}

func TestEngine_Transfer_ResumesAtRemoteOffsetAfterPartialAcceptance(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	service.OnSend = func(call int, chunk transfer.Chunk) (int, error) {
		if call == 1 {
			// the remote keeps 1000 of the 4096 bytes before the connection drops
			return 1000, transientSendErr()
		}
		return -1, nil
	}
	ticket := newTicket(t, service, int64(len(data)))

	engine := transfer.NewEngine(service, testConfig(4096, &sleepRecorder{}), log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.NoError(t, err)

	var offsets []int64
	for _, chunk := range service.Sent() {
		offsets = append(offsets, chunk.Offset)
	}
	assert.Equal(t, []int64{0, 4096, 5096, 9192}, offsets)
	assertContiguous(t, service.Sent())

	assert.Equal(t, int64(10000), result.BytesWritten)
	assert.True(t, result.Verified)
	assert.Equal(t, data, service.Received(ticket.SessionID))
}

func TestEngine_Transfer_VerificationShortfall(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	service.OnSend = func(call int, chunk transfer.Chunk) (int, error) {
		if call == 2 {
			// the final chunk is reported as sent but only partially persisted
			return 800, nil
		}
		return -1, nil
	}
	ticket := newTicket(t, service, int64(len(data)))
	recorder := &sleepRecorder{}

	var transitions []string
	config := testConfig(4096, recorder)
	config.OnStateChange = func(from, to transfer.State) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
	}

	engine := transfer.NewEngine(service, config, log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.NoError(t, err)

	assert.Equal(t, 4, service.SendCalls())
	assert.Equal(t, 2, service.ProbeCalls())
	assert.Empty(t, recorder.delays)
	assert.Contains(t, transitions, "verifying->resuming")
	assert.Contains(t, transitions, "resuming->sending")
	assertContiguous(t, service.Sent())
	assert.True(t, result.Verified)
	assert.Equal(t, data, service.Received(ticket.SessionID))
}

func TestEngine_Transfer_StuckRemoteOffsetIsBounded(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	service.OnSend = func(call int, chunk transfer.Chunk) (int, error) {
		if chunk.Offset >= 8192 {
			return 0, nil
		}
		return -1, nil
	}
	ticket := newTicket(t, service, int64(len(data)))
	recorder := &sleepRecorder{}

	engine := transfer.NewEngine(service, testConfig(4096, recorder), log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)

	var exhausted *transfer.RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, transfer.StateFailed, result.State)
	assert.False(t, result.Verified)
	assert.Len(t, recorder.delays, 3)
	// a stalled verification already read the durable offset, retries resume there without probing again
	assert.Equal(t, 5, service.ProbeCalls())
	assertContiguous(t, service.Sent())
}

func TestEngine_Transfer_RetryBound(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	service.OnSend = func(call int, chunk transfer.Chunk) (int, error) {
		return 0, transientSendErr()
	}
	ticket := newTicket(t, service, int64(len(data)))
	recorder := &sleepRecorder{}

	engine := transfer.NewEngine(service, testConfig(4096, recorder), log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.Error(t, err)

	var exhausted *transfer.RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	assert.Equal(t, 4, service.SendCalls())
	assert.Equal(t, 3, result.Retries)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, recorder.delays)
	assert.InDelta(t, float64(700*time.Millisecond), float64(recorder.total()), float64(10*time.Millisecond))
	assert.Equal(t, transfer.StateFailed, result.State)

	outcome := transfer.NewOutcome(result, nil)
	assert.False(t, outcome.IsVerifiedComplete)
	assert.False(t, outcome.AllBytesWritten)
}

func TestEngine_Transfer_RetryScheduleWithJitter(t *testing.T) {
	data := testData(100)
	service := fakeremote.New()
	service.OnSend = func(call int, chunk transfer.Chunk) (int, error) {
		return 0, &transfer.ServerBusyError{Op: "send", StatusCode: 503}
	}
	ticket := newTicket(t, service, int64(len(data)))
	recorder := &sleepRecorder{}

	config := testConfig(4096, recorder)
	config.Policy.Jitter = 0.1

	engine := transfer.NewEngine(service, config, log.NewLogger())
	_, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.Error(t, err)

	require.Len(t, recorder.delays, 3)
	for i, d := range recorder.delays {
		base := config.Policy.Backoff(i + 1)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/10)
	}
}

func TestEngine_Transfer_FatalErrors(t *testing.T) {
	tests := []struct {
		name    string
		onSend  fakeremote.SendFunc
		onProbe fakeremote.ProbeFunc
		expire  bool
		check   func(t *testing.T, err error)
	}{
		{
			name:   "session expired",
			expire: true,
			check: func(t *testing.T, err error) {
				var expired *transfer.SessionExpiredError
				require.ErrorAs(t, err, &expired)
			},
		},
		{
			name: "remote offset beyond source length",
			onProbe: func(call int, stored int64) (int64, bool, error) {
				return stored + 1, true, nil
			},
			check: func(t *testing.T, err error) {
				var mismatch *transfer.ProtocolMismatchError
				require.ErrorAs(t, err, &mismatch)
			},
		},
		{
			name: "protocol mismatch on send",
			onSend: func(call int, chunk transfer.Chunk) (int, error) {
				return 0, &transfer.ProtocolMismatchError{Reason: "content range outside of file"}
			},
			check: func(t *testing.T, err error) {
				var mismatch *transfer.ProtocolMismatchError
				require.ErrorAs(t, err, &mismatch)
			},
		},
		{
			name: "unclassified error",
			onSend: func(call int, chunk transfer.Chunk) (int, error) {
				return 0, errors.New("unexpected")
			},
			check: func(t *testing.T, err error) {
				assert.EqualError(t, err, "send bytes 0-4095: unexpected")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testData(10000)
			service := fakeremote.New()
			service.OnSend = tt.onSend
			service.OnProbe = tt.onProbe
			ticket := newTicket(t, service, int64(len(data)))
			if tt.expire {
				service.Expire(ticket.SessionID)
			}
			recorder := &sleepRecorder{}

			engine := transfer.NewEngine(service, testConfig(4096, recorder), log.NewLogger())
			result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)

			require.Error(t, err)
			tt.check(t, err)
			assert.Empty(t, recorder.delays)
			assert.Equal(t, transfer.StateFailed, result.State)
			assert.False(t, result.Verified)
		})
	}
}

type failingSource struct {
	length int64
}

func (s failingSource) Length() int64 { return s.length }
func (s failingSource) ReadAt(offset int64, maxBytes int) ([]byte, error) {
	return nil, io.ErrClosedPipe
}

func TestEngine_Transfer_ResourceErrorIsNotRetried(t *testing.T) {
	service := fakeremote.New()
	ticket := newTicket(t, service, 100)
	recorder := &sleepRecorder{}

	engine := transfer.NewEngine(service, testConfig(4096, recorder), log.NewLogger())
	_, err := engine.Transfer(context.Background(), ticket, failingSource{length: 100}, 0)

	var resourceErr *transfer.ResourceError
	require.ErrorAs(t, err, &resourceErr)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 0, service.SendCalls())
	assert.Empty(t, recorder.delays)
}

func TestEngine_Transfer_InvalidStartOffset(t *testing.T) {
	service := fakeremote.New()
	ticket := newTicket(t, service, 100)

	engine := transfer.NewEngine(service, testConfig(4096, &sleepRecorder{}), log.NewLogger())
	_, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(testData(100)), 101)

	var mismatch *transfer.ProtocolMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 0, service.SendCalls())
}

func TestEngine_Transfer_Cancellation(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.OnSend = func(call int, chunk transfer.Chunk) (int, error) {
		if call == 0 {
			cancel()
		}
		return -1, nil
	}
	ticket := newTicket(t, service, int64(len(data)))

	engine := transfer.NewEngine(service, testConfig(4096, &sleepRecorder{}), log.NewLogger())
	result, err := engine.Transfer(ctx, ticket, content.NewBytesSource(data), 0)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, transfer.KindCancelled, transfer.Classify(err).Kind)
	assert.Equal(t, 1, service.SendCalls())
	assert.Equal(t, transfer.StateFailed, result.State)
	assert.Equal(t, int64(4096), result.BytesWritten)

	// the remote session stays in its last verified state and can be resumed
	resumed, err := engine.Resume(context.Background(), ticket, content.NewBytesSource(data))
	require.NoError(t, err)
	assert.True(t, resumed.Verified)
	assert.Equal(t, data, service.Received(ticket.SessionID))
	assertContiguous(t, service.Sent())
}

func TestEngine_Transfer_ExplicitStartOffset(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	ticket := newTicket(t, service, int64(len(data)))

	// a previous process already delivered the first chunk
	require.NoError(t, service.SendChunk(context.Background(), ticket, transfer.Chunk{Offset: 0, Data: data[:4096], Total: 10000}))

	engine := transfer.NewEngine(service, testConfig(4096, &sleepRecorder{}), log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 4096)
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.Equal(t, 3, service.SendCalls())
	assert.Equal(t, data, service.Received(ticket.SessionID))
}

func TestEngine_Probe_IsIdempotent(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	ticket := newTicket(t, service, int64(len(data)))

	engine := transfer.NewEngine(service, testConfig(4096, &sleepRecorder{}), log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.NoError(t, err)
	outcome := transfer.NewOutcome(result, nil)
	before := outcome

	for i := 0; i < 5; i++ {
		offset, err := engine.Probe().Probe(context.Background(), ticket)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), offset)
	}

	assert.Equal(t, before, outcome)
	assert.Equal(t, 3, service.SendCalls())
}

func TestEngine_Transfer_OrderInvariantUnderFailures(t *testing.T) {
	data := testData(50000)
	service := fakeremote.New()
	service.OnSend = func(call int, chunk transfer.Chunk) (int, error) {
		switch call % 4 {
		case 1:
			return 0, transientSendErr()
		case 3:
			return len(chunk.Data) / 3, &transfer.ServerBusyError{Op: "send", StatusCode: 503}
		}
		return -1, nil
	}
	ticket := newTicket(t, service, int64(len(data)))

	engine := transfer.NewEngine(service, testConfig(4096, &sleepRecorder{}), log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.NoError(t, err)

	var last int64 = -1
	for _, chunk := range service.Sent() {
		if chunk.Accepted == 0 {
			continue
		}
		assert.Greater(t, chunk.Offset, last)
		last = chunk.Offset
	}
	assertContiguous(t, service.Sent())
	assert.True(t, result.Verified)
	assert.Equal(t, data, service.Received(ticket.SessionID))
}

// blockingTransport never answers the first send so the operation timeout kicks in.
type blockingTransport struct {
	*fakeremote.Service
	mu      sync.Mutex
	blocked bool
}

func (b *blockingTransport) SendChunk(ctx context.Context, ticket transfer.Ticket, chunk transfer.Chunk) error {
	b.mu.Lock()
	block := !b.blocked
	b.blocked = true
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return fmt.Errorf("do request: %w", ctx.Err())
	}
	return b.Service.SendChunk(ctx, ticket, chunk)
}

func TestEngine_Transfer_OperationTimeoutIsTransient(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	ticket := newTicket(t, service, int64(len(data)))
	transport := &blockingTransport{Service: service}
	recorder := &sleepRecorder{}

	config := testConfig(4096, recorder)
	config.OperationTimeout = 50 * time.Millisecond

	engine := transfer.NewEngine(transport, config, log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.NoError(t, err)

	assert.Len(t, recorder.delays, 1)
	assert.True(t, result.Verified)
	assert.Equal(t, data, service.Received(ticket.SessionID))
}

type sizedTransport struct {
	*fakeremote.Service
}

func (sizedTransport) ChunkSize() int64 { return 5000 }

func TestNewEngine_BackendChunkSize(t *testing.T) {
	service := fakeremote.New()
	engine := transfer.NewEngine(sizedTransport{Service: service}, testConfig(4096, &sleepRecorder{}), log.NewLogger())
	assert.Equal(t, int64(5000), engine.ChunkSize(10))
}

func TestNewEngine_ChunkSizeFromLength(t *testing.T) {
	service := fakeremote.New()
	engine := transfer.NewEngine(service, transfer.Config{}, log.NewLogger())

	assert.Equal(t, transfer.MinChunkSize, engine.ChunkSize(10000))
	assert.Equal(t, int64(20*1024*1024), engine.ChunkSize(2000*1024*1024))
	assert.Equal(t, transfer.MaxChunkSize, engine.ChunkSize(100*1024*1024*1024))

	data := testData(10000)
	ticket := newTicket(t, service, int64(len(data)))
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)
	require.NoError(t, err)
	assert.Equal(t, transfer.MinChunkSize, result.ChunkSize)
	assert.Equal(t, 1, result.Chunks)
}

func TestNewEngine_ChunkSizeIsCapped(t *testing.T) {
	engine := transfer.NewEngine(fakeremote.New(), transfer.Config{ChunkSize: 4 * transfer.MaxChunkSize}, log.NewLogger())

	assert.Equal(t, transfer.MaxChunkSize, engine.ChunkSize(10))
}

func TestNewEngine_PartialConfigKeepsDefaults(t *testing.T) {
	data := testData(10000)
	service := fakeremote.New()
	service.OnSend = func(call int, chunk transfer.Chunk) (int, error) {
		if call == 1 {
			return 0, transientSendErr()
		}
		return -1, nil
	}
	ticket := newTicket(t, service, int64(len(data)))
	recorder := &sleepRecorder{}

	engine := transfer.NewEngine(service, transfer.Config{ChunkSize: 4096, Sleep: recorder.sleep}, log.NewLogger())
	result, err := engine.Transfer(context.Background(), ticket, content.NewBytesSource(data), 0)

	require.NoError(t, err)
	assert.Equal(t, transfer.StateCompleted, result.State)
	assert.Equal(t, 1, result.Retries)
	require.Len(t, recorder.delays, 1)
	assert.GreaterOrEqual(t, recorder.delays[0], transfer.DefaultPolicy().BaseDelay)
	assert.Equal(t, data, service.Received(ticket.SessionID))
}
