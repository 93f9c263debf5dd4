// Package fakeremote provides an in-memory upload service with failure injection for tests.
package fakeremote

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-mediaupload/transfer"
)

// SendFunc decides what happens to the call-th SendChunk (0 based).
// accept is the number of bytes the service keeps (-1 for all of them) and err is
// returned to the caller after the accepted bytes were stored.
type SendFunc func(call int, chunk transfer.Chunk) (accept int, err error)

// ProbeFunc can override the offset reported for the call-th QueryOffset (0 based).
// Returning ok=false falls back to the stored offset.
type ProbeFunc func(call int, stored int64) (offset int64, ok bool, err error)

// SentChunk is a record of a SendChunk call.
type SentChunk struct {
	SessionID string
	Offset    int64
	Length    int
	Accepted  int
}

type session struct {
	id      string
	total   int64
	data    []byte
	replace   int64
	expired   bool
	completed bool
}

// Service is an in-memory implementation of transfer.Service and transfer.ArtifactStore.
type Service struct {
	OnSend  SendFunc
	OnProbe ProbeFunc
	// IssueErr is returned by the ticket issuing calls when set.
	IssueErr error

	mu        sync.Mutex
	sessions  map[string]*session
	artifacts map[int64][]byte
	nextID    int64
	issued    int
	sent      []SentChunk
	sends     int
	probes    int
	completes int
	aborts    int
}

// New creates an empty Service.
func New() *Service {
	return &Service{
		sessions:  map[string]*session{},
		artifacts: map[int64][]byte{},
		nextID:    1000,
	}
}

// IssueUploadTicket ...
func (s *Service) IssueUploadTicket(_ context.Context, totalLength int64) (transfer.Ticket, error) {
	return s.issue(totalLength, 0)
}

// IssueReplaceTicket ...
func (s *Service) IssueReplaceTicket(_ context.Context, artifactID, totalLength int64) (transfer.Ticket, error) {
	s.mu.Lock()
	_, ok := s.artifacts[artifactID]
	s.mu.Unlock()
	if !ok {
		return transfer.Ticket{}, &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("artifact %d not found", artifactID)}
	}
	return s.issue(totalLength, artifactID)
}

func (s *Service) issue(totalLength, replace int64) (transfer.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IssueErr != nil {
		return transfer.Ticket{}, s.IssueErr
	}

	s.issued++
	id := fmt.Sprintf("session-%d", s.issued)
	s.sessions[id] = &session{id: id, total: totalLength, replace: replace}

	return transfer.Ticket{
		SessionID:   id,
		Endpoint:    "memory://upload/" + id,
		CompleteURI: "memory://complete/" + id,
	}, nil
}

// SendChunk ...
func (s *Service) SendChunk(_ context.Context, ticket transfer.Ticket, chunk transfer.Chunk) error {
	s.mu.Lock()
	call := s.sends
	s.sends++
	onSend := s.OnSend
	s.mu.Unlock()

	accept, injected := len(chunk.Data), error(nil)
	if onSend != nil {
		accept, injected = onSend(call, chunk)
		if accept < 0 || accept > len(chunk.Data) {
			accept = len(chunk.Data)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(ticket)
	if err != nil {
		return err
	}

	if chunk.Offset != int64(len(sess.data)) {
		return &transfer.ProtocolMismatchError{
			Reason: fmt.Sprintf("chunk starts at %d, session holds %d bytes", chunk.Offset, len(sess.data)),
		}
	}
	if chunk.End() > sess.total {
		return &transfer.ProtocolMismatchError{
			Reason: fmt.Sprintf("chunk ends at %d, beyond upload size %d", chunk.End(), sess.total),
		}
	}

	sess.data = append(sess.data, chunk.Data[:accept]...)
	s.sent = append(s.sent, SentChunk{
		SessionID: ticket.SessionID,
		Offset:    chunk.Offset,
		Length:    len(chunk.Data),
		Accepted:  accept,
	})

	return injected
}

// QueryOffset ...
func (s *Service) QueryOffset(_ context.Context, ticket transfer.Ticket) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.probes
	s.probes++

	sess, err := s.lookup(ticket)
	if err != nil {
		return 0, err
	}

	stored := int64(len(sess.data))
	if s.OnProbe != nil {
		offset, ok, err := s.OnProbe(call, stored)
		if err != nil {
			return 0, err
		}
		if ok {
			return offset, nil
		}
	}

	return stored, nil
}

// CompleteUpload ...
func (s *Service) CompleteUpload(_ context.Context, ticket transfer.Ticket) (transfer.ArtifactIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(ticket)
	if err != nil {
		return transfer.ArtifactIdentity{}, err
	}
	if int64(len(sess.data)) != sess.total {
		return transfer.ArtifactIdentity{}, &transfer.ProtocolMismatchError{
			Reason: fmt.Sprintf("upload incomplete: %d of %d bytes", len(sess.data), sess.total),
		}
	}

	s.completes++
	id := sess.replace
	if id == 0 {
		s.nextID++
		id = s.nextID
	}
	s.artifacts[id] = sess.data
	sess.completed = true

	return transfer.ArtifactIdentity{ID: id, URI: fmt.Sprintf("/videos/%d", id)}, nil
}

// Abort drops a session.
func (s *Service) Abort(_ context.Context, ticket transfer.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aborts++
	if _, err := s.session(ticket); err != nil {
		return err
	}
	delete(s.sessions, ticket.SessionID)
	return nil
}

// GetArtifact ...
func (s *Service) GetArtifact(_ context.Context, id int64) (*transfer.ArtifactIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[id]; !ok {
		return nil, nil
	}
	return &transfer.ArtifactIdentity{ID: id, URI: fmt.Sprintf("/videos/%d", id)}, nil
}

// DeleteArtifact ...
func (s *Service) DeleteArtifact(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[id]; !ok {
		return false, nil
	}
	delete(s.artifacts, id)
	return true, nil
}

// Expire invalidates a session.
func (s *Service) Expire(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.expired = true
	}
}

// Received returns a copy of the bytes stored for a session.
func (s *Service) Received(sessionID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]byte(nil), sess.data...)
}

// Artifact returns the content of a finalized artifact.
func (s *Service) Artifact(id int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.artifacts[id]
	return data, ok
}

// Sent returns the records of all SendChunk calls that reached a live session.
func (s *Service) Sent() []SentChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentChunk(nil), s.sent...)
}

// SendCalls returns the number of SendChunk calls.
func (s *Service) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// ProbeCalls returns the number of QueryOffset calls.
func (s *Service) ProbeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// AbortCalls returns the number of Abort calls.
func (s *Service) AbortCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

// CompleteCalls returns the number of successful CompleteUpload calls.
func (s *Service) CompleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completes
}

// session returns a session that still accepts bytes.
func (s *Service) session(ticket transfer.Ticket) (*session, error) {
	sess, err := s.lookup(ticket)
	if err != nil {
		return nil, err
	}
	if sess.completed {
		return nil, &transfer.ProtocolMismatchError{Reason: fmt.Sprintf("session %s is already completed", sess.id)}
	}
	return sess, nil
}

// lookup also returns completed sessions, their offset stays readable.
func (s *Service) lookup(ticket transfer.Ticket) (*session, error) {
	sess, ok := s.sessions[ticket.SessionID]
	if !ok || sess.expired {
		return nil, &transfer.SessionExpiredError{SessionID: ticket.SessionID}
	}
	return sess, nil
}
