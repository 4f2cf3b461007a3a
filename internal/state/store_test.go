package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/enrich"
)

// fakeSink is a scriptable enrichment sink.
type fakeSink struct {
	syncErr    error
	items      []enrich.RelatedItem
	relatedErr error
	synced     []string
}

func (f *fakeSink) Sync(_ context.Context, name string, _ map[string]any) error {
	f.synced = append(f.synced, name)
	return f.syncErr
}

func (f *fakeSink) Related(context.Context, string, int) ([]enrich.RelatedItem, error) {
	return f.items, f.relatedErr
}

func (f *fakeSink) Close() error { return nil }

func newTestService(t *testing.T, sink enrich.Sink) (Service, string) {
	t.Helper()
	root := t.TempDir()
	svc, err := NewService(DefaultConfig(root), sink, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, root
}

// setClock pins timeNow to a start time advancing by step per call.
func setClock(t *testing.T, start time.Time, step time.Duration) {
	t.Helper()
	calls := 0
	timeNow = func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * step)
	}
	t.Cleanup(func() { timeNow = time.Now })
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, nil, nil)
	require.Error(t, err)

	_, err = NewService(&Config{RootDir: t.TempDir(), BackupKeepCount: 0}, nil, nil)
	require.Error(t, err)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	data := ProjectState{
		"current_focus":        "shipping the save path",
		"technical_decisions":  []any{"atomic rename", "bounded backups"},
		"files_modified":       []any{"store.go"},
		"next_actions":         []any{"write tests", "wire transport"},
		"conversation_summary": "built the persistence core",
		"custom_field":         map[string]any{"nested": true},
		"related_context":      []any{"must not persist"},
	}

	result, err := svc.Save(ctx, "Continuity Core", data, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, StatusSaved, result.Status)
	assert.Equal(t, SyncStatusDisabled, result.SyncStatus)

	loaded, err := svc.Load(ctx, "Continuity Core")
	require.NoError(t, err)

	assert.Equal(t, "Continuity Core", loaded.Name())
	assert.Equal(t, "shipping the save path", loaded.CurrentFocus())
	assert.Equal(t, []string{"atomic rename", "bounded backups"}, loaded.TechnicalDecisions())
	assert.Equal(t, []string{"write tests", "wire transport"}, loaded.NextActions())
	assert.Equal(t, "built the persistence core", loaded.ConversationSummary())
	assert.NotEmpty(t, loaded.LastUpdated())
	assert.Equal(t, schemaVersion, loaded["version"])

	// Unrecognized fields pass through verbatim.
	assert.Equal(t, map[string]any{"nested": true}, loaded["custom_field"])

	// Ephemeral enrichment is never persisted.
	assert.Nil(t, loaded.RelatedContext())

	// Caller's map is not mutated by stamping.
	assert.NotContains(t, data, "project_name")
}

func TestSave_AtomicReplace(t *testing.T) {
	svc, root := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, "proj", ProjectState{"current_focus": "v1"}, true)
	require.NoError(t, err)

	// A stray temp file from an interrupted writer must not disturb the
	// current state or the next save.
	dir := filepath.Join(root, "proj")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".current_state-stray.json"), []byte("{garbage"), 0o644))

	_, err = svc.Save(ctx, "proj", ProjectState{"current_focus": "v2"}, true)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, currentStateFile))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "v2", doc["current_focus"])
}

func TestSave_IOFailureIsStructured(t *testing.T) {
	svc, root := newTestService(t, nil)
	ctx := context.Background()

	// Occupy the project path with a regular file so MkdirAll fails.
	require.NoError(t, os.WriteFile(filepath.Join(root, "blocked"), []byte("x"), 0o644))

	result, err := svc.Save(ctx, "blocked", ProjectState{"current_focus": "x"}, true)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StatusError, result.Status)
	assert.NotEmpty(t, result.Message)
}

func TestSave_BackupBound(t *testing.T) {
	svc, root := newTestService(t, nil)
	ctx := context.Background()
	setClock(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), 2*time.Second)

	for i := 0; i < 7; i++ {
		result, err := svc.Save(ctx, "proj", ProjectState{"current_focus": "iteration"}, true)
		require.NoError(t, err)
		require.True(t, result.Success)
	}

	backups, err := filepath.Glob(filepath.Join(root, "proj", "backup_*.json"))
	require.NoError(t, err)
	require.Len(t, backups, 5)

	// The survivors are the 5 most recent: filenames embed the save
	// timestamp, so sorted order is chronological.
	sort.Strings(backups)
	first := filepath.Base(backups[0])
	assert.Greater(t, first, "backup_20260830_100002.json")
}

func TestSave_ValidationGate(t *testing.T) {
	svc, root := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, "Hebrew Evaluation MVP", ProjectState{"current_focus": "mvp"}, true)
	require.NoError(t, err)

	result, err := svc.Save(ctx, "Hebrew Evaluation Website", ProjectState{"current_focus": "web"}, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StatusValidationRequired, result.Status)
	require.NotNil(t, result.Validation)
	assert.False(t, result.Validation.IsUnique)
	assert.Equal(t, SuggestionConsolidate, result.Validation.Suggestion)

	// A blocked save writes nothing.
	_, statErr := os.Stat(filepath.Join(root, "Hebrew Evaluation Website"))
	assert.True(t, os.IsNotExist(statErr))

	// The identical save with force succeeds.
	result, err = svc.Save(ctx, "Hebrew Evaluation Website", ProjectState{"current_focus": "web"}, true)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestValidateName_ExactMatchExcluded(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, "Test Project", ProjectState{"current_focus": "x"}, true)
	require.NoError(t, err)

	v, err := svc.ValidateName(ctx, "test project", 0.7)
	require.NoError(t, err)
	assert.True(t, v.IsUnique)
	assert.Empty(t, v.SimilarProjects)
	assert.Equal(t, SuggestionCreateNew, v.Suggestion)
}

func TestValidateName_Errors(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.ValidateName(ctx, "", 0.7)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.ValidateName(ctx, "../escape", 0.7)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.ValidateName(ctx, "ok", 1.5)
	require.Error(t, err)
}

func TestLoad_NotFound(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_AttachesRelatedContext(t *testing.T) {
	sink := &fakeSink{items: []enrich.RelatedItem{
		{Content: "related A", Project: "other"},
		{Content: "related B", Project: "another"},
	}}
	svc, _ := newTestService(t, sink)
	ctx := context.Background()

	_, err := svc.Save(ctx, "proj", ProjectState{"current_focus": "x"}, true)
	require.NoError(t, err)

	loaded, err := svc.Load(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, loaded.RelatedContext(), 2)
}

func TestLoad_SinkFailureLeavesStateUnenriched(t *testing.T) {
	sink := &fakeSink{relatedErr: errors.New("sink down")}
	svc, _ := newTestService(t, sink)
	ctx := context.Background()

	_, err := svc.Save(ctx, "proj", ProjectState{"current_focus": "x"}, true)
	require.NoError(t, err)

	loaded, err := svc.Load(ctx, "proj")
	require.NoError(t, err)
	assert.Nil(t, loaded.RelatedContext())
}

func TestSave_SyncStatus(t *testing.T) {
	ctx := context.Background()

	okSink := &fakeSink{}
	svc, _ := newTestService(t, okSink)
	result, err := svc.Save(ctx, "proj", ProjectState{}, true)
	require.NoError(t, err)
	assert.Equal(t, SyncStatusSynced, result.SyncStatus)
	assert.Equal(t, []string{"proj"}, okSink.synced)

	failSink := &fakeSink{syncErr: errors.New("boom")}
	svc, _ = newTestService(t, failSink)
	result, err = svc.Save(ctx, "proj", ProjectState{}, true)
	require.NoError(t, err)
	assert.True(t, result.Success, "sink failure must not fail the save")
	assert.Equal(t, SyncStatusFailed, result.SyncStatus)
}

func TestListProjects(t *testing.T) {
	svc, root := newTestService(t, nil)
	ctx := context.Background()
	setClock(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), time.Second)

	_, err := svc.Save(ctx, "older", ProjectState{
		"current_focus": "first",
		"next_actions":  []any{"a", "b", "c"},
	}, true)
	require.NoError(t, err)

	_, err = svc.Save(ctx, "newer", ProjectState{"current_focus": "second"}, true)
	require.NoError(t, err)

	// A corrupt state file is silently skipped.
	corrupt := filepath.Join(root, "corrupt")
	require.NoError(t, os.MkdirAll(corrupt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corrupt, currentStateFile), []byte("{not json"), 0o644))

	summaries, err := svc.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "newer", summaries[0].Name)
	assert.Equal(t, "older", summaries[1].Name)
	assert.Equal(t, "first", summaries[1].CurrentFocus)
	assert.Equal(t, []string{"a", "b"}, summaries[1].NextActions, "listing carries at most two next actions")
}

func TestListProjects_EmptyRoot(t *testing.T) {
	svc, _ := newTestService(t, nil)

	summaries, err := svc.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestGetSummary(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, "proj", ProjectState{
		"current_focus":       "launch prep",
		"technical_decisions": []any{"d1", "d2", "d3"},
		"next_actions":        []any{"n1", "n2", "n3"},
	}, true)
	require.NoError(t, err)

	summary, err := svc.GetSummary(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, "Focus: launch prep | Recent decisions: d2; d3 | Next: n1; n2", summary)
}

func TestGetSummary_Absent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.GetSummary(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	// A state with no summarizable fields is also absent.
	_, err = svc.Save(ctx, "bare", ProjectState{"custom": "data"}, true)
	require.NoError(t, err)
	_, err = svc.GetSummary(ctx, "bare")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAutoSaveCheckpoint(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, "proj", ProjectState{"current_focus": "ongoing"}, true)
	require.NoError(t, err)

	ok, err := svc.AutoSaveCheckpoint(ctx, "proj", "context_limit", "nearing context window limit")
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := svc.Load(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, "ongoing", loaded.CurrentFocus())
	assert.Equal(t, "context_limit", loaded["auto_save_trigger"])
	assert.Equal(t, "nearing context window limit", loaded["auto_save_context"])
	assert.NotEmpty(t, loaded["checkpoint_time"])
}

func TestAutoSaveCheckpoint_NewProjectBypassesValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, "Hebrew Evaluation MVP", ProjectState{"current_focus": "mvp"}, true)
	require.NoError(t, err)

	// Checkpoints always force, even for a near-duplicate name.
	ok, err := svc.AutoSaveCheckpoint(ctx, "Hebrew Evaluation Site", "session_end", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAutoSaveCheckpoint_RequiresTrigger(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.AutoSaveCheckpoint(context.Background(), "proj", "", "ctx")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSave_InvalidName(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	for _, name := range []string{"", "  ", "a/b", `a\b`, ".."} {
		_, err := svc.Save(ctx, name, ProjectState{}, true)
		assert.ErrorIs(t, err, ErrInvalidArgument, "name %q", name)
	}
}
