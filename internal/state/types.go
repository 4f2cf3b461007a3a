package state

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/continuityd/internal/similarity"
)

const (
	// currentStateFile is the single authoritative snapshot per project.
	currentStateFile = "current_state.json"

	// backupTimeLayout names backup snapshots: backup_20060102_150405.json.
	backupTimeLayout = "20060102_150405"

	// stateTimeLayout is the fixed-width ISO-8601 format stamped into
	// last_updated. Fixed width keeps lexicographic order chronological.
	stateTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

	// schemaVersion tags every saved state. Informational only.
	schemaVersion = "1.0"
)

// Recognized document fields. Anything else is opaque pass-through.
const (
	fieldProjectName    = "project_name"
	fieldCurrentFocus   = "current_focus"
	fieldDecisions      = "technical_decisions"
	fieldFilesModified  = "files_modified"
	fieldNextActions    = "next_actions"
	fieldSummary        = "conversation_summary"
	fieldLastUpdated    = "last_updated"
	fieldVersion        = "version"
	fieldRelatedContext = "related_context"
	fieldTrigger        = "auto_save_trigger"
	fieldTriggerContext = "auto_save_context"
	fieldCheckpointTime = "checkpoint_time"
)

// Save result statuses.
const (
	StatusSaved              = "saved"
	StatusValidationRequired = "validation_required"
	StatusError              = "error"
)

// Sink outcome statuses attached to save results.
const (
	SyncStatusSynced   = "synced"
	SyncStatusFailed   = "sync_failed"
	SyncStatusDisabled = "sync_disabled"
)

// Name-validation suggestions.
const (
	SuggestionConsolidate = "consolidate"
	SuggestionCreateNew   = "create_new"
)

var (
	// ErrInvalidArgument rejects a call before any I/O is attempted.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound signals a project with no saved state. Absent, not broken.
	ErrNotFound = errors.New("no saved state")
)

// ProjectState is the open, loosely typed state document. Recognized fields
// carry the invariants; unrecognized fields survive save/load verbatim.
type ProjectState map[string]any

// Name returns the stamped project name, if present.
func (p ProjectState) Name() string { return p.getString(fieldProjectName) }

// LastUpdated returns the stamped save timestamp, if present.
func (p ProjectState) LastUpdated() string { return p.getString(fieldLastUpdated) }

// CurrentFocus returns the free-text focus, if present.
func (p ProjectState) CurrentFocus() string { return p.getString(fieldCurrentFocus) }

// ConversationSummary returns the free-text summary, if present.
func (p ProjectState) ConversationSummary() string { return p.getString(fieldSummary) }

// TechnicalDecisions returns the decision list in insertion order.
func (p ProjectState) TechnicalDecisions() []string { return p.getStrings(fieldDecisions) }

// FilesModified returns the touched-file list in insertion order.
func (p ProjectState) FilesModified() []string { return p.getStrings(fieldFilesModified) }

// NextActions returns the next-action list in insertion order.
func (p ProjectState) NextActions() []string { return p.getStrings(fieldNextActions) }

// RelatedContext returns load-time enrichment items, if any were attached.
func (p ProjectState) RelatedContext() []any {
	if items, ok := p[fieldRelatedContext].([]any); ok {
		return items
	}
	return nil
}

func (p ProjectState) getString(key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

func (p ProjectState) getStrings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// clone returns a shallow copy so stamping never mutates caller data.
func (p ProjectState) clone() ProjectState {
	out := make(ProjectState, len(p)+4)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ValidationResult reports near-duplicate detection for a candidate name.
type ValidationResult struct {
	IsUnique        bool               `json:"is_unique"`
	SimilarProjects []similarity.Match `json:"similar_projects"`
	Suggestion      string             `json:"suggestion"`
}

// SaveResult is the discriminated outcome of a save.
type SaveResult struct {
	Success    bool              `json:"success"`
	Status     string            `json:"status"`
	Message    string            `json:"message,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	SyncStatus string            `json:"sync_status,omitempty"`
}

// Summary is one row of the project listing.
type Summary struct {
	Name         string   `json:"project_name"`
	LastUpdated  string   `json:"last_updated"`
	CurrentFocus string   `json:"current_focus,omitempty"`
	NextActions  []string `json:"next_actions,omitempty"`
}

// timeNow is swappable in tests.
var timeNow = time.Now
