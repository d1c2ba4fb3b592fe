package types

import (
	"context"
)

// Filesystem is the capability interface for all target and state I/O.
// The applicator and the state store never touch the os package directly;
// they go through this seam so tests can inject an in-memory backend.
type Filesystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	// AppendFile appends data to path, creating the file if missing.
	// Used for the JSONL logs.
	AppendFile(path string, data []byte) error
	// CreateExclusive writes data to path, failing if the path already
	// exists. Used for lockfiles.
	CreateExclusive(path string, data []byte) error
	MkdirAll(path string) error
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldPath, newPath string) error
	Exists(path string) bool
	// ReadDir returns the entry names in a directory, sorted.
	ReadDir(path string) ([]string, error)
	// IsDir reports whether path exists and is a directory.
	IsDir(path string) bool
}

// CouncilRequest carries the proposal summary presented to a council
// oracle for an approve/reject verdict.
type CouncilRequest struct {
	ProposalID  string  `json:"proposal_id"`
	Category    string  `json:"category"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	RiskLevel   string  `json:"risk_level"`
	RiskScore   float64 `json:"risk_score"`
	Confidence  float64 `json:"confidence"`
}

// CouncilVerdict is the oracle's boolean outcome plus a short rationale.
type CouncilVerdict struct {
	Approved  bool   `json:"approved"`
	Rationale string `json:"rationale"`
}

// CouncilOracle reviews proposals the decision policy cannot auto-approve.
// Review is synchronous and may fail; callers treat errors as Unavailable
// and degrade per the policy rules, never as fatal.
type CouncilOracle interface {
	Review(ctx context.Context, req CouncilRequest) (CouncilVerdict, error)
}
