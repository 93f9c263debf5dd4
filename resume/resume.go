// Package resume persists upload sessions next to the uploaded file, so an interrupted
// upload can continue in a later process.
package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bitrise-io/go-mediaupload/transfer"
)

const (
	// Suffix is appended to the uploaded file path to get the state file path.
	Suffix = ".upload.resume"
	// MaxAge is how long a saved session is considered resumable.
	MaxAge = 7 * 24 * time.Hour
)

// State is the saved upload session of a file.
type State struct {
	LocalPath   string    `json:"local_path"`
	Size        int64     `json:"size"`
	SessionID   string    `json:"session_id"`
	Endpoint    string    `json:"endpoint"`
	CompleteURI string    `json:"complete_uri,omitempty"`
	ArtifactID  *int64    `json:"artifact_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ticket rebuilds the upload ticket of the saved session.
func (s State) Ticket() transfer.Ticket {
	ticket := transfer.Ticket{
		SessionID:   s.SessionID,
		Endpoint:    s.Endpoint,
		CompleteURI: s.CompleteURI,
	}
	if s.ArtifactID != nil {
		id := *s.ArtifactID
		ticket.ArtifactID = &id
	}
	return ticket
}

// Store reads and writes state files.
type Store struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewStore ...
func NewStore() Store {
	return Store{maxAge: MaxAge, now: time.Now}
}

// Path returns the state file path of a local file.
func Path(localPath string) string {
	return localPath + Suffix
}

// NewState creates the state of a freshly issued ticket.
func (s Store) NewState(localPath string, size int64, ticket transfer.Ticket) State {
	now := s.now()
	state := State{
		LocalPath:   localPath,
		Size:        size,
		SessionID:   ticket.SessionID,
		Endpoint:    ticket.Endpoint,
		CompleteURI: ticket.CompleteURI,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ticket.ArtifactID != nil {
		id := *ticket.ArtifactID
		state.ArtifactID = &id
	}
	return state
}

// Save writes the state file through a temporary file and a rename.
func (s Store) Save(state State) error {
	state.UpdatedAt = s.now()
	statePath := Path(state.LocalPath)
	tmpPath := statePath + ".tmp"

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal upload state: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, statePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Load reads the state file of a local file. It returns nil without error if there is none.
func (s Store) Load(localPath string) (*State, error) {
	data, err := os.ReadFile(Path(localPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state file: %w", err)
	}

	return &state, nil
}

// Validate checks that a saved state still describes the given file.
func (s Store) Validate(state *State, localPath string, size int64) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if state.LocalPath != localPath {
		return fmt.Errorf("local path mismatch (state: %s, actual: %s)", state.LocalPath, localPath)
	}
	if state.Size != size {
		return fmt.Errorf("source size changed (was %d, now %d)", state.Size, size)
	}
	if state.SessionID == "" || state.Endpoint == "" {
		return fmt.Errorf("state has no upload session")
	}
	if age := s.now().Sub(state.CreatedAt); age > s.maxAge {
		return fmt.Errorf("resume state expired (age: %s, max: %s)", age.Round(time.Second), s.maxAge)
	}

	return nil
}

// Remove deletes the state file of a local file, a missing file is not an error.
func (s Store) Remove(localPath string) error {
	err := os.Remove(Path(localPath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete state file: %w", err)
	}
	return nil
}
