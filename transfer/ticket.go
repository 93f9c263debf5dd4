package transfer

// ArtifactIdentity identifies the hosted artifact produced by a finished upload.
type ArtifactIdentity struct {
	// ID is zero when the backend does not assign numeric identifiers.
	ID  int64
	URI string
}

// Ticket describes a negotiated upload session.
// Tickets are values: WithArtifact returns a populated copy instead of mutating.
type Ticket struct {
	SessionID string
	// Endpoint is the URI chunks are sent to.
	Endpoint string
	// CompleteURI is where the finalization call is sent, if the backend uses one.
	CompleteURI string

	ArtifactID  *int64
	ArtifactURI *string
}

// WithArtifact returns a copy of the ticket carrying the finalized artifact identity.
func (t Ticket) WithArtifact(identity ArtifactIdentity) Ticket {
	uri := identity.URI
	t.ArtifactURI = &uri
	if identity.ID != 0 {
		id := identity.ID
		t.ArtifactID = &id
	} else {
		t.ArtifactID = nil
	}
	return t
}

// IsFinalized reports whether the ticket carries an artifact identity.
func (t Ticket) IsFinalized() bool {
	return t.ArtifactURI != nil
}
