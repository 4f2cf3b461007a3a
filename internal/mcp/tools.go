package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/continuityd/internal/similarity"
	"github.com/fyrsmithlabs/continuityd/internal/state"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerSaveTool()
	s.registerLoadTool()
	s.registerListTool()
	s.registerSummaryTool()
	s.registerValidateTool()
	s.registerCheckpointTool()
}

// instrument wraps a tool body with the standard metrics bookkeeping.
func (s *Server) instrument(ctx context.Context, toolName string, toolErr *error) func() {
	start := time.Now()
	s.metrics.IncrementActive(ctx, toolName)
	return func() {
		s.metrics.DecrementActive(ctx, toolName)
		s.metrics.RecordInvocation(ctx, toolName, time.Since(start), *toolErr)
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// ===== save_project_state =====

type saveStateInput struct {
	ProjectName         string         `json:"project_name" jsonschema:"required,Project name"`
	CurrentFocus        string         `json:"current_focus,omitempty" jsonschema:"What is currently being worked on"`
	TechnicalDecisions  []string       `json:"technical_decisions,omitempty" jsonschema:"Key technical decisions made"`
	FilesModified       []string       `json:"files_modified,omitempty" jsonschema:"Files created or modified"`
	NextActions         []string       `json:"next_actions,omitempty" jsonschema:"Planned next steps"`
	ConversationSummary string         `json:"conversation_summary,omitempty" jsonschema:"Brief summary of the session so far"`
	Extra               map[string]any `json:"extra,omitempty" jsonschema:"Additional free-form fields stored verbatim"`
	Force               bool           `json:"force,omitempty" jsonschema:"Bypass duplicate-name validation"`
}

type saveStateOutput struct {
	Success         bool               `json:"success" jsonschema:"Whether the state was saved"`
	Status          string             `json:"status" jsonschema:"saved validation_required or error"`
	Message         string             `json:"message,omitempty" jsonschema:"Human-readable outcome"`
	SyncStatus      string             `json:"sync_status,omitempty" jsonschema:"Knowledge-sink outcome"`
	SimilarProjects []similarity.Match `json:"similar_projects,omitempty" jsonschema:"Near-duplicate names that blocked the save"`
	Suggestion      string             `json:"suggestion,omitempty" jsonschema:"consolidate or create_new"`
}

func (s *Server) registerSaveTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "save_project_state",
		Description: "Save the current project state so a future session can resume it",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args saveStateInput) (*mcp.CallToolResult, saveStateOutput, error) {
		var toolErr error
		defer s.instrument(ctx, "save_project_state", &toolErr)()

		doc := state.ProjectState{}
		if args.CurrentFocus != "" {
			doc["current_focus"] = args.CurrentFocus
		}
		if len(args.TechnicalDecisions) > 0 {
			doc["technical_decisions"] = args.TechnicalDecisions
		}
		if len(args.FilesModified) > 0 {
			doc["files_modified"] = args.FilesModified
		}
		if len(args.NextActions) > 0 {
			doc["next_actions"] = args.NextActions
		}
		if args.ConversationSummary != "" {
			doc["conversation_summary"] = args.ConversationSummary
		}
		for k, v := range args.Extra {
			doc[k] = v
		}

		result, err := s.store.Save(ctx, args.ProjectName, doc, args.Force)
		if err != nil {
			toolErr = err
			return nil, saveStateOutput{}, err
		}

		out := saveStateOutput{
			Success:    result.Success,
			Status:     result.Status,
			Message:    result.Message,
			SyncStatus: result.SyncStatus,
		}
		if result.Validation != nil {
			out.SimilarProjects = result.Validation.SimilarProjects
			out.Suggestion = result.Validation.Suggestion
		}

		return textResult(renderSaveResult(args.ProjectName, result)), out, nil
	})
}

func renderSaveResult(name string, result *state.SaveResult) string {
	switch result.Status {
	case state.StatusSaved:
		return fmt.Sprintf("Project state saved for '%s'", name)
	case state.StatusValidationRequired:
		var b strings.Builder
		fmt.Fprintf(&b, "Similar project names already exist for '%s':\n", name)
		for _, m := range result.Validation.SimilarProjects {
			fmt.Fprintf(&b, "  - %s (similarity %.2f)\n", m.Name, m.Score)
		}
		b.WriteString("Save again with force=true to create a new project, or use one of the existing names.")
		return b.String()
	default:
		return fmt.Sprintf("Failed to save state for '%s': %s", name, result.Message)
	}
}

// ===== load_project_state =====

type loadStateInput struct {
	ProjectName string `json:"project_name" jsonschema:"required,Project name"`
}

type loadStateOutput struct {
	Found bool           `json:"found" jsonschema:"Whether a saved state exists"`
	State map[string]any `json:"state,omitempty" jsonschema:"The full state document"`
}

func (s *Server) registerLoadTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "load_project_state",
		Description: "Load the saved state for a project to restore context",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args loadStateInput) (*mcp.CallToolResult, loadStateOutput, error) {
		var toolErr error
		defer s.instrument(ctx, "load_project_state", &toolErr)()

		doc, err := s.store.Load(ctx, args.ProjectName)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return textResult(fmt.Sprintf("No saved state found for project '%s'", args.ProjectName)),
					loadStateOutput{Found: false}, nil
			}
			toolErr = err
			return nil, loadStateOutput{}, err
		}

		return textResult(renderState(args.ProjectName, doc)), loadStateOutput{
			Found: true,
			State: doc,
		}, nil
	})
}

func renderState(name string, doc state.ProjectState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n\n", name)

	focus := doc.CurrentFocus()
	if focus == "" {
		focus = "Not set"
	}
	fmt.Fprintf(&b, "Current Focus: %s\n\n", focus)

	writeSection := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString(title + ":\n")
		for _, it := range items {
			b.WriteString("  - " + it + "\n")
		}
		b.WriteString("\n")
	}

	writeSection("Technical Decisions", doc.TechnicalDecisions())
	writeSection("Files Modified", doc.FilesModified())
	writeSection("Next Actions", doc.NextActions())

	if summary := doc.ConversationSummary(); summary != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", summary)
	}

	if related := doc.RelatedContext(); len(related) > 0 {
		b.WriteString("Related Context:\n")
		for _, item := range related {
			switch v := item.(type) {
			case map[string]any:
				if content, ok := v["content"].(string); ok {
					b.WriteString("  - " + firstLine(content) + "\n")
				}
			default:
				fmt.Fprintf(&b, "  - %v\n", v)
			}
		}
		b.WriteString("\n")
	}

	updated := doc.LastUpdated()
	if updated == "" {
		updated = "Unknown"
	}
	fmt.Fprintf(&b, "Last Updated: %s", updated)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ===== list_active_projects =====

type listProjectsInput struct{}

type listProjectsOutput struct {
	Projects []*state.Summary `json:"projects" jsonschema:"Project summaries newest first"`
	Count    int              `json:"count" jsonschema:"Number of projects"`
}

func (s *Server) registerListTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_active_projects",
		Description: "List all projects with saved state, newest first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listProjectsInput) (*mcp.CallToolResult, listProjectsOutput, error) {
		var toolErr error
		defer s.instrument(ctx, "list_active_projects", &toolErr)()

		summaries, err := s.store.ListProjects(ctx)
		if err != nil {
			toolErr = err
			return nil, listProjectsOutput{}, err
		}

		out := listProjectsOutput{Projects: summaries, Count: len(summaries)}
		return textResult(renderProjectList(summaries)), out, nil
	})
}

func renderProjectList(summaries []*state.Summary) string {
	if len(summaries) == 0 {
		return "No active projects found. Start working on a project and save state to see it here."
	}

	var b strings.Builder
	b.WriteString("Active Projects:\n\n")
	for i, sum := range summaries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, sum.Name)
		if sum.CurrentFocus != "" {
			fmt.Fprintf(&b, "   Focus: %s\n", sum.CurrentFocus)
		}
		if len(sum.NextActions) > 0 {
			fmt.Fprintf(&b, "   Next: %s\n", strings.Join(sum.NextActions, ", "))
		}
		fmt.Fprintf(&b, "   Updated: %s\n\n", sum.LastUpdated)
	}
	b.WriteString("Use load_project_state with any project name to restore full context.")
	return b.String()
}

// ===== get_project_summary =====

type projectSummaryInput struct {
	ProjectName string `json:"project_name" jsonschema:"required,Project name"`
}

type projectSummaryOutput struct {
	ProjectName string `json:"project_name" jsonschema:"Project name"`
	Summary     string `json:"summary,omitempty" jsonschema:"One-line summary of the saved state"`
	Found       bool   `json:"found" jsonschema:"Whether a summary was available"`
}

func (s *Server) registerSummaryTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_project_summary",
		Description: "Get a one-line summary of a project's saved state",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args projectSummaryInput) (*mcp.CallToolResult, projectSummaryOutput, error) {
		var toolErr error
		defer s.instrument(ctx, "get_project_summary", &toolErr)()

		summary, err := s.store.GetSummary(ctx, args.ProjectName)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return textResult(fmt.Sprintf("No summary available for '%s'", args.ProjectName)),
					projectSummaryOutput{ProjectName: args.ProjectName}, nil
			}
			toolErr = err
			return nil, projectSummaryOutput{}, err
		}

		return textResult(fmt.Sprintf("%s: %s", args.ProjectName, summary)), projectSummaryOutput{
			ProjectName: args.ProjectName,
			Summary:     summary,
			Found:       true,
		}, nil
	})
}

// ===== validate_project_name =====

type validateNameInput struct {
	ProjectName         string  `json:"project_name" jsonschema:"required,Candidate project name"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty" jsonschema:"Similarity threshold in [0 1] (default 0.7)"`
}

type validateNameOutput struct {
	IsUnique        bool               `json:"is_unique" jsonschema:"Whether no similar project exists"`
	SimilarProjects []similarity.Match `json:"similar_projects,omitempty" jsonschema:"Existing names above the threshold"`
	Suggestion      string             `json:"suggestion" jsonschema:"consolidate or create_new"`
}

func (s *Server) registerValidateTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "validate_project_name",
		Description: "Check a candidate project name against existing projects for near-duplicates",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args validateNameInput) (*mcp.CallToolResult, validateNameOutput, error) {
		var toolErr error
		defer s.instrument(ctx, "validate_project_name", &toolErr)()

		threshold := args.SimilarityThreshold
		if threshold == 0 {
			threshold = s.defaultThreshold
		}

		v, err := s.store.ValidateName(ctx, args.ProjectName, threshold)
		if err != nil {
			toolErr = err
			return nil, validateNameOutput{}, err
		}

		out := validateNameOutput{
			IsUnique:        v.IsUnique,
			SimilarProjects: v.SimilarProjects,
			Suggestion:      v.Suggestion,
		}

		return textResult(renderValidation(args.ProjectName, v)), out, nil
	})
}

func renderValidation(name string, v *state.ValidationResult) string {
	if v.IsUnique {
		return fmt.Sprintf("'%s' is unique; no similar project names found.", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "'%s' is similar to existing project(s):\n", name)
	for _, m := range v.SimilarProjects {
		fmt.Fprintf(&b, "  - %s (similarity %.2f)\n", m.Name, m.Score)
	}
	b.WriteString("Consider consolidating under the existing name.")
	return b.String()
}

// ===== auto_save_checkpoint =====

type checkpointInput struct {
	ProjectName string `json:"project_name" jsonschema:"required,Project name"`
	TriggerType string `json:"trigger_type" jsonschema:"required,What triggered the checkpoint"`
	Context     string `json:"context,omitempty" jsonschema:"Checkpoint context notes"`
}

type checkpointOutput struct {
	Success bool `json:"success" jsonschema:"Whether the checkpoint was saved"`
}

func (s *Server) registerCheckpointTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "auto_save_checkpoint",
		Description: "Save an automatic checkpoint of the project state, bypassing name validation",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args checkpointInput) (*mcp.CallToolResult, checkpointOutput, error) {
		var toolErr error
		defer s.instrument(ctx, "auto_save_checkpoint", &toolErr)()

		ok, err := s.store.AutoSaveCheckpoint(ctx, args.ProjectName, args.TriggerType, args.Context)
		if err != nil {
			toolErr = err
			return nil, checkpointOutput{}, err
		}

		text := fmt.Sprintf("Auto-saved checkpoint for '%s' (trigger: %s)", args.ProjectName, args.TriggerType)
		if !ok {
			text = fmt.Sprintf("Auto-save failed for '%s'", args.ProjectName)
		}
		return textResult(text), checkpointOutput{Success: ok}, nil
	})
}
