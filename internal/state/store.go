// Package state owns the on-disk project-state layout: atomic saves with
// bounded backup rotation, loads with best-effort enrichment, listing,
// summarization, and fuzzy duplicate-name validation.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/enrich"
	"github.com/fyrsmithlabs/continuityd/internal/similarity"
)

const instrumentationName = "github.com/fyrsmithlabs/continuityd/internal/state"

// Service provides project-state persistence operations.
type Service interface {
	// ValidateName checks a candidate name against existing projects.
	ValidateName(ctx context.Context, name string, threshold float64) (*ValidationResult, error)

	// Save persists a state document, gated on name validation unless force.
	Save(ctx context.Context, name string, data ProjectState, force bool) (*SaveResult, error)

	// Load reads the current state; ErrNotFound when the project has none.
	Load(ctx context.Context, name string) (ProjectState, error)

	// ListProjects summarizes every project with a readable state file.
	ListProjects(ctx context.Context) ([]*Summary, error)

	// GetSummary renders a one-line summary; ErrNotFound when absent.
	GetSummary(ctx context.Context, name string) (string, error)

	// AutoSaveCheckpoint overlays trigger fields and saves with force.
	AutoSaveCheckpoint(ctx context.Context, name, triggerType, checkpointContext string) (bool, error)

	// Close closes the service.
	Close() error
}

// Config configures the state store.
type Config struct {
	// RootDir holds one subdirectory per project. Created on demand.
	RootDir string

	// BackupKeepCount bounds retained backup snapshots per project.
	BackupKeepCount int

	// SimilarityThreshold is the default near-duplicate threshold.
	SimilarityThreshold float64

	// SinkTimeout bounds every enrichment-sink call.
	SinkTimeout time.Duration

	// RelatedLimit caps related items attached at load time.
	RelatedLimit int
}

// DefaultConfig returns sensible defaults, rooted under dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		RootDir:             dir,
		BackupKeepCount:     5,
		SimilarityThreshold: similarity.DefaultThreshold,
		SinkTimeout:         2 * time.Second,
		RelatedLimit:        3,
	}
}

// service implements the Service interface.
type service struct {
	config *Config
	sink   enrich.Sink
	logger *zap.Logger

	// Telemetry
	tracer       trace.Tracer
	meter        metric.Meter
	saveCounter  metric.Int64Counter
	loadCounter  metric.Int64Counter
	rejectedGate metric.Int64Counter
}

// NewService creates a state store rooted at cfg.RootDir.
func NewService(cfg *Config, sink enrich.Sink, logger *zap.Logger) (Service, error) {
	if cfg == nil || cfg.RootDir == "" {
		return nil, errors.New("storage root directory is required")
	}
	if cfg.BackupKeepCount < 1 {
		return nil, fmt.Errorf("backup keep count must be >= 1, got %d", cfg.BackupKeepCount)
	}
	if sink == nil {
		sink = enrich.NoopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", cfg.RootDir, err)
	}

	s := &service{
		config: cfg,
		sink:   sink,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"continuityd.state.saves_total",
		metric.WithDescription("Total number of state saves"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.loadCounter, err = s.meter.Int64Counter(
		"continuityd.state.loads_total",
		metric.WithDescription("Total number of state loads"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		s.logger.Warn("failed to create load counter", zap.Error(err))
	}

	s.rejectedGate, err = s.meter.Int64Counter(
		"continuityd.state.validation_rejections_total",
		metric.WithDescription("Saves blocked by near-duplicate name detection"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		s.logger.Warn("failed to create rejection counter", zap.Error(err))
	}
}

// checkName rejects empty or path-escaping project names before any I/O.
func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: project name is required", ErrInvalidArgument)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: project name must not contain path separators", ErrInvalidArgument)
	}
	return nil
}

func (s *service) projectDir(name string) string {
	return filepath.Join(s.config.RootDir, name)
}

// ValidateName checks a candidate name against existing projects.
func (s *service) ValidateName(ctx context.Context, name string, threshold float64) (*ValidationResult, error) {
	ctx, span := s.tracer.Start(ctx, "state.validate_name")
	defer span.End()

	span.SetAttributes(
		attribute.String("project", name),
		attribute.Float64("threshold", threshold),
	)

	if err := checkName(name); err != nil {
		span.RecordError(err)
		return nil, err
	}

	summaries, err := s.ListProjects(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	existing := make([]string, 0, len(summaries))
	for _, sum := range summaries {
		existing = append(existing, sum.Name)
	}

	matches, err := similarity.FindSimilar(name, existing, threshold)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &ValidationResult{
		IsUnique:        len(matches) == 0,
		SimilarProjects: matches,
		Suggestion:      SuggestionCreateNew,
	}
	if len(matches) > 0 {
		result.Suggestion = SuggestionConsolidate
	}

	span.SetAttributes(attribute.Int("similar_count", len(matches)))
	return result, nil
}

// Save persists a state document.
//
// Unless force is set, a near-duplicate name blocks the save with a
// validation_required result and nothing is written. I/O failures come back
// as structured error results, never as faults.
func (s *service) Save(ctx context.Context, name string, data ProjectState, force bool) (*SaveResult, error) {
	ctx, span := s.tracer.Start(ctx, "state.save")
	defer span.End()

	span.SetAttributes(
		attribute.String("project", name),
		attribute.Bool("force", force),
	)

	if err := checkName(name); err != nil {
		span.RecordError(err)
		return nil, err
	}

	var validation *ValidationResult
	if !force {
		v, err := s.ValidateName(ctx, name, s.config.SimilarityThreshold)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		validation = v
		if !v.IsUnique {
			if s.rejectedGate != nil {
				s.rejectedGate.Add(ctx, 1)
			}
			s.logger.Info("save blocked by similar project names",
				zap.String("project", name),
				zap.Int("similar_count", len(v.SimilarProjects)),
			)
			span.SetAttributes(attribute.String("status", StatusValidationRequired))
			return &SaveResult{
				Success:    false,
				Status:     StatusValidationRequired,
				Message:    fmt.Sprintf("found %d similar project name(s); save with force to create anyway", len(v.SimilarProjects)),
				Validation: v,
			}, nil
		}
	}

	now := timeNow().UTC()
	doc := data.clone()
	delete(doc, fieldRelatedContext)
	doc[fieldProjectName] = name
	doc[fieldLastUpdated] = now.Format(stateTimeLayout)
	doc[fieldVersion] = schemaVersion

	if err := s.writeState(name, doc, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("failed to persist state",
			zap.String("project", name),
			zap.Error(err),
		)
		return &SaveResult{
			Success: false,
			Status:  StatusError,
			Message: err.Error(),
		}, nil
	}

	syncStatus := s.notifySink(ctx, name, doc)

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("force", force),
		))
	}

	s.logger.Info("saved project state",
		zap.String("project", name),
		zap.String("sync_status", syncStatus),
	)

	span.SetAttributes(attribute.String("status", StatusSaved))
	return &SaveResult{
		Success:    true,
		Status:     StatusSaved,
		Message:    fmt.Sprintf("state saved for %s", name),
		Validation: validation,
		SyncStatus: syncStatus,
	}, nil
}

// writeState performs the mandatory write phases: atomic replace of the
// current state, a timestamped backup copy, then rotation.
func (s *service) writeState(name string, doc ProjectState, now time.Time) error {
	dir := s.projectDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	payload = append(payload, '\n')

	if err := atomicWrite(filepath.Join(dir, currentStateFile), payload); err != nil {
		return fmt.Errorf("writing current state: %w", err)
	}

	backup := filepath.Join(dir, "backup_"+now.Format(backupTimeLayout)+".json")
	if err := os.WriteFile(backup, payload, 0o644); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}

	s.rotateBackups(dir)
	return nil
}

// atomicWrite writes payload to a sibling temp file and renames it over
// path, so a concurrent reader sees either the old or the new content.
func atomicWrite(path string, payload []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".current_state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// notifySink indexes the saved state, bounded by the configured timeout.
// Every outcome is downgraded to a status string.
func (s *service) notifySink(ctx context.Context, name string, doc ProjectState) string {
	ctx, cancel := context.WithTimeout(ctx, s.config.SinkTimeout)
	defer cancel()

	err := s.sink.Sync(ctx, name, doc)
	switch {
	case err == nil:
		return SyncStatusSynced
	case errors.Is(err, enrich.ErrDisabled):
		return SyncStatusDisabled
	default:
		s.logger.Warn("knowledge sink sync failed",
			zap.String("project", name),
			zap.Error(err),
		)
		return SyncStatusFailed
	}
}

// Load reads the current state for a project.
//
// A missing project is ErrNotFound, not a failure. On success up to
// RelatedLimit related items from the sink are attached as related_context.
func (s *service) Load(ctx context.Context, name string) (ProjectState, error) {
	ctx, span := s.tracer.Start(ctx, "state.load")
	defer span.End()

	span.SetAttributes(attribute.String("project", name))

	if err := checkName(name); err != nil {
		span.RecordError(err)
		return nil, err
	}

	doc, err := s.readState(name)
	if err != nil {
		return nil, err
	}

	s.attachRelated(ctx, name, doc)

	if s.loadCounter != nil {
		s.loadCounter.Add(ctx, 1)
	}

	span.SetAttributes(attribute.Int("related_count", len(doc.RelatedContext())))
	return doc, nil
}

// readState reads and decodes a project's current state file. Unreadable or
// corrupt files are logged and surfaced as absent.
func (s *service) readState(name string) (ProjectState, error) {
	path := filepath.Join(s.projectDir(name), currentStateFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w for project %q", ErrNotFound, name)
		}
		s.logger.Warn("failed to read state file",
			zap.String("project", name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w for project %q", ErrNotFound, name)
	}

	var doc ProjectState
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("corrupt state file",
			zap.String("project", name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w for project %q", ErrNotFound, name)
	}
	return doc, nil
}

// attachRelated asks the sink for related context, bounded by the configured
// timeout. Sink failure leaves the document unenriched.
func (s *service) attachRelated(ctx context.Context, name string, doc ProjectState) {
	ctx, cancel := context.WithTimeout(ctx, s.config.SinkTimeout)
	defer cancel()

	items, err := s.sink.Related(ctx, name, s.config.RelatedLimit)
	if err != nil {
		s.logger.Debug("related-context lookup failed",
			zap.String("project", name),
			zap.Error(err),
		)
		return
	}
	if len(items) == 0 {
		return
	}

	// Stored as plain maps so the document stays a uniform JSON shape.
	related := make([]any, 0, len(items))
	for _, it := range items {
		entry := map[string]any{"content": it.Content}
		if it.Project != "" {
			entry["project"] = it.Project
		}
		if it.Score != 0 {
			entry["score"] = it.Score
		}
		related = append(related, entry)
	}
	doc[fieldRelatedContext] = related
}

// ListProjects summarizes every project under the storage root. Directories
// with unreadable or corrupt state files are skipped.
func (s *service) ListProjects(ctx context.Context) ([]*Summary, error) {
	_, span := s.tracer.Start(ctx, "state.list_projects")
	defer span.End()

	entries, err := os.ReadDir(s.config.RootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Summary{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading storage root: %w", err)
	}

	summaries := make([]*Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		doc, err := s.readState(entry.Name())
		if err != nil {
			continue
		}

		next := doc.NextActions()
		if len(next) > 2 {
			next = next[:2]
		}
		summaries = append(summaries, &Summary{
			Name:         entry.Name(),
			LastUpdated:  doc.LastUpdated(),
			CurrentFocus: doc.CurrentFocus(),
			NextActions:  next,
		})
	}

	// Timestamps share a fixed-width format, so lexicographic descending
	// order is chronological.
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastUpdated > summaries[j].LastUpdated
	})

	span.SetAttributes(attribute.Int("project_count", len(summaries)))
	return summaries, nil
}

// GetSummary renders a one-line summary of a project's state.
func (s *service) GetSummary(ctx context.Context, name string) (string, error) {
	_, span := s.tracer.Start(ctx, "state.get_summary")
	defer span.End()

	span.SetAttributes(attribute.String("project", name))

	if err := checkName(name); err != nil {
		span.RecordError(err)
		return "", err
	}

	doc, err := s.readState(name)
	if err != nil {
		return "", err
	}

	var parts []string
	if focus := doc.CurrentFocus(); focus != "" {
		parts = append(parts, "Focus: "+focus)
	}
	if decisions := doc.TechnicalDecisions(); len(decisions) > 0 {
		if len(decisions) > 2 {
			decisions = decisions[len(decisions)-2:]
		}
		parts = append(parts, "Recent decisions: "+strings.Join(decisions, "; "))
	}
	if next := doc.NextActions(); len(next) > 0 {
		if len(next) > 2 {
			next = next[:2]
		}
		parts = append(parts, "Next: "+strings.Join(next, "; "))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("%w: nothing to summarize for project %q", ErrNotFound, name)
	}
	return strings.Join(parts, " | "), nil
}

// AutoSaveCheckpoint overlays trigger metadata onto the existing state (or a
// fresh one) and saves with force, since the project already exists by
// definition of being checkpointed.
func (s *service) AutoSaveCheckpoint(ctx context.Context, name, triggerType, checkpointContext string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "state.auto_save_checkpoint")
	defer span.End()

	span.SetAttributes(
		attribute.String("project", name),
		attribute.String("trigger", triggerType),
	)

	if err := checkName(name); err != nil {
		span.RecordError(err)
		return false, err
	}
	if strings.TrimSpace(triggerType) == "" {
		err := fmt.Errorf("%w: trigger type is required", ErrInvalidArgument)
		span.RecordError(err)
		return false, err
	}

	doc, err := s.readState(name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
		doc = ProjectState{}
	}

	doc[fieldTrigger] = triggerType
	doc[fieldTriggerContext] = checkpointContext
	doc[fieldCheckpointTime] = timeNow().UTC().Format(stateTimeLayout)

	result, err := s.Save(ctx, name, doc, true)
	if err != nil {
		return false, err
	}

	s.logger.Debug("auto-save checkpoint",
		zap.String("project", name),
		zap.String("trigger", triggerType),
		zap.Bool("success", result.Success),
	)
	return result.Success, nil
}

// Close closes the service and its sink.
func (s *service) Close() error {
	return s.sink.Close()
}
