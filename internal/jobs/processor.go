package jobs

import (
	"context"
	"log/slog"

	"github.com/mirelabs/fable/internal/flow"
	"github.com/mirelabs/fable/internal/logging"
	"github.com/mirelabs/fable/internal/state"
	"github.com/mirelabs/fable/internal/store"
	"github.com/mirelabs/fable/pkg/schema"
)

// Subflow refs executed by the processor.
const (
	statusUpdateFlow = "status_update@1"
	guidanceFlow     = "guidance@1"
)

const moodKey = "protagonist_mood"

// fallbackMood guarantees a gating update always lands even when both the
// subflow and the direct model call come back empty.
const fallbackMood = "wary, but slightly more at ease"

// Processor executes job records. It rebuilds a state context from the
// session's persisted stable state, runs the subflow for the job type, and
// writes the outcome back through the store.
type Processor struct {
	store     *store.FileStore
	executor  *flow.Executor
	llm       flow.ModelCaller
	codeFuncs map[string]flow.CodeFunc
	logger    *slog.Logger
}

// NewProcessor wires a processor over the store and executor. llm and
// codeFuncs become node resources for the subflows.
func NewProcessor(st *store.FileStore, executor *flow.Executor, llm flow.ModelCaller, codeFuncs map[string]flow.CodeFunc, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, executor: executor, llm: llm, codeFuncs: codeFuncs, logger: logger}
}

// Process dispatches on the job type. The returned map is the job result to
// persist; a non-nil error means the job must be marked failed. Blockers are
// never resolved on failure.
func (p *Processor) Process(ctx context.Context, job *store.Job) (map[string]any, error) {
	ctx = logging.WithJobID(logging.WithSessionID(ctx, job.SessionID), job.ID)

	switch job.Type {
	case schema.JobStatusUpdate:
		return p.statusUpdate(ctx, job)
	case schema.JobGuidance, schema.JobSummarize:
		return p.guidance(ctx, job)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "unknown job type %q", job.Type)
	}
}

// nodeContext rebuilds the execution environment for a job from the
// session's persisted stable state.
func (p *Processor) nodeContext(job *store.Job) (*flow.NodeContext, *store.Session, error) {
	sess, err := p.store.GetSession(job.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return &flow.NodeContext{
		SessionID: job.SessionID,
		State:     state.NewManager(sess.StableState),
		Resources: map[string]any{
			"llm":        p.llm,
			"code_funcs": p.codeFuncs,
		},
		Logger: p.logger,
	}, sess, nil
}

// statusUpdate runs the gating status-update subflow, writes the updated
// field back into the session's stable state, resolves the gating blocker,
// and completes the round.
func (p *Processor) statusUpdate(ctx context.Context, job *store.Job) (map[string]any, error) {
	nc, _, err := p.nodeContext(job)
	if err != nil {
		return nil, err
	}
	replyText, _ := job.Payload["text"].(string)

	mood := ""
	res, err := p.executor.ExecuteRef(ctx, statusUpdateFlow, []flow.Item{{"text": replyText}}, nc)
	if err == nil && len(res.Items) > 0 {
		mood, _ = res.Items[0][moodKey].(string)
	}
	if mood == "" {
		// Subflow produced nothing usable; ask the analyzer model directly.
		if err != nil {
			p.logger.WarnContext(ctx, "status update subflow failed, falling back to direct model call",
				slog.String("error", err.Error()),
			)
		}
		mood = p.directMood(ctx, replyText)
	}

	if err := p.store.UpdateSessionState(job.SessionID, map[string]any{moodKey: mood}); err != nil {
		return nil, err
	}

	if err := p.store.ResolveRoundBlockers(job.SessionID, job.BranchID, job.AnchorRound, []string{"gating"}); err != nil {
		p.logger.WarnContext(ctx, "resolving gating blocker failed", slog.String("error", err.Error()))
	} else if err := p.store.CompleteRound(job.SessionID, job.BranchID, job.AnchorRound); err != nil {
		p.logger.WarnContext(ctx, "completing round failed", slog.String("error", err.Error()))
	}

	return map[string]any{
		"updated":      map[string]any{moodKey: mood},
		"anchor_round": job.AnchorRound,
		"snapshot_id":  job.SnapshotID,
	}, nil
}

func (p *Processor) directMood(ctx context.Context, replyText string) string {
	if p.llm != nil {
		text, err := p.llm.CallModel(ctx, []flow.Message{{Role: "user", Content: replyText}}, "analyzer-llm")
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			p.logger.WarnContext(ctx, "direct analyzer call failed", slog.String("error", err.Error()))
		}
	}
	return fallbackMood
}

// guidance runs the non-gating guidance subflow. Any failure degrades to a
// placeholder result rather than marking the job failed.
func (p *Processor) guidance(ctx context.Context, job *store.Job) (map[string]any, error) {
	nc, _, err := p.nodeContext(job)
	if err != nil {
		return nil, err
	}

	text, _ := job.Payload["text"].(string)
	if text == "" {
		text, _ = job.Payload["narrative"].(string)
	}

	res, err := p.executor.ExecuteRef(ctx, guidanceFlow, []flow.Item{{"narrative": text, "text": text}}, nc)
	if err != nil || len(res.Items) == 0 {
		if err != nil {
			p.logger.InfoContext(ctx, "guidance subflow unavailable, using placeholder",
				slog.String("error", err.Error()),
			)
		}
		return map[string]any{"placeholder": true}, nil
	}

	first := res.Items[0]
	guidance, _ := first["guidance"].(string)
	if guidance == "" {
		guidance, _ = first["guidance_text"].(string)
	}
	return map[string]any{"guidance": guidance}, nil
}
