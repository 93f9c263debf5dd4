package transfer

// Outcome is the aggregate result of an upload.
// IsVerifiedComplete implies AllBytesWritten; the converse does not hold.
type Outcome struct {
	BytesWritten       int64
	AllBytesWritten    bool
	IsVerifiedComplete bool
	ArtifactID         *int64
	ArtifactURI        *string

	// Ticket is the session of the upload, carrying the artifact identity once finalized.
	Ticket Ticket
}

// NewOutcome assembles the outcome of a transfer and its optional finalization.
func NewOutcome(result Result, identity *ArtifactIdentity) Outcome {
	outcome := Outcome{
		BytesWritten:       result.BytesWritten,
		AllBytesWritten:    result.BytesWritten == result.TotalLength,
		IsVerifiedComplete: result.Verified && result.BytesWritten == result.TotalLength,
	}

	if identity != nil {
		uri := identity.URI
		outcome.ArtifactURI = &uri
		if identity.ID != 0 {
			id := identity.ID
			outcome.ArtifactID = &id
		}
	}

	return outcome
}
