package transfer

import "context"

// Chunk is a contiguous byte range of the source tagged with its position.
type Chunk struct {
	Offset int64
	Data   []byte
	// Total is the full length of the source.
	Total int64
}

// End returns the offset right after the last byte of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// TicketIssuer negotiates upload sessions.
// AuthError and QuotaError are surfaced unchanged to the caller.
type TicketIssuer interface {
	IssueUploadTicket(ctx context.Context, totalLength int64) (Ticket, error)
	IssueReplaceTicket(ctx context.Context, artifactID, totalLength int64) (Ticket, error)
}

// ChunkSender transmits a single chunk to the ticket endpoint.
type ChunkSender interface {
	SendChunk(ctx context.Context, ticket Ticket, chunk Chunk) error
}

// OffsetQuerier returns the byte offset the remote side durably holds for a ticket.
type OffsetQuerier interface {
	QueryOffset(ctx context.Context, ticket Ticket) (int64, error)
}

// Finalizer turns a verified complete session into a hosted artifact.
type Finalizer interface {
	CompleteUpload(ctx context.Context, ticket Ticket) (ArtifactIdentity, error)
}

// ArtifactStore looks up and removes hosted artifacts.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, id int64) (*ArtifactIdentity, error)
	DeleteArtifact(ctx context.Context, id int64) (bool, error)
}

// Aborter discards a session and the bytes it holds.
type Aborter interface {
	Abort(ctx context.Context, ticket Ticket) error
}

// Transport is what the engine needs from the remote side.
type Transport interface {
	ChunkSender
	OffsetQuerier
}

// Service is a complete upload backend.
type Service interface {
	TicketIssuer
	Transport
	Finalizer
}

// ChunkSizer is implemented by backends that require a specific chunk size.
type ChunkSizer interface {
	ChunkSize() int64
}
