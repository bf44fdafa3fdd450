// Package agentops runs the auxiliary judge and planner generations on
// their role-routed models.
package agentops

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/events"
	"mia/internal/llm"
)

const (
	judgeMaxTokens = 64
	planMaxTokens  = 128
	defaultSteps   = 8
)

// Models is the subset of the module manager the ops need.
type Models interface {
	ProviderByRole(ctx context.Context, role string) (llm.Provider, error)
	ApplyReasoningOverrides(base llm.Sampling, mode string) llm.Sampling
	SweepIdle(now time.Time) []string
}

// Ops runs judge and plan operations.
type Ops struct {
	cfg    *config.Config
	models Models
	bus    *eventbus.Bus
}

// New returns Ops publishing on bus (eventbus.Default when nil).
func New(cfg *config.Config, models Models, bus *eventbus.Bus) *Ops {
	if bus == nil {
		bus = eventbus.Default
	}
	return &Ops{cfg: cfg, models: models, bus: bus}
}

// Verdict is the result of Judge.
type Verdict struct {
	RequestID string  `json:"request_id"`
	Text      string  `json:"text"`
	Agreement float64 `json:"agreement"`
}

// Plan is the result of Plan.
type Plan struct {
	RequestID string   `json:"request_id"`
	Steps     []string `json:"steps"`
	Raw       string   `json:"raw"`
}

// modeFor resolves the reasoning level for op ("judge" or "plan") from the
// optional model configured under role.
func (o *Ops) modeFor(role, op, def string) string {
	if o.cfg == nil {
		return def
	}
	om, ok := o.cfg.LLM.OptionalModels[role]
	if !ok {
		return def
	}
	if m := om.ReasoningOverrides[op]; m != "" {
		return m
	}
	if om.ReasoningDefault != "" {
		return om.ReasoningDefault
	}
	return def
}

func (o *Ops) timeout(role string, pick func(config.OptionalTimeouts) int) time.Duration {
	if o.cfg == nil {
		return 0
	}
	return time.Duration(pick(o.cfg.LLM.OptionalModels[role].Timeouts)) * time.Millisecond
}

// generate runs one bounded generation for role with the preset for mode.
func (o *Ops) generate(ctx context.Context, role, mode, prompt string, maxTokens int, limit time.Duration) (llm.Provider, string, string, error) {
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	rid := strings.ReplaceAll(uuid.NewString(), "-", "")
	prov, err := o.models.ProviderByRole(ctx, role)
	if err != nil {
		return nil, rid, "", err
	}
	s := o.models.ApplyReasoningOverrides(llm.Sampling{}, mode)
	if mode != "" {
		ev := events.ReasoningPresetApplied{RequestID: rid, Preset: mode, Mode: "baseline"}
		if v, ok := s.Float("temperature"); ok {
			ev.Temperature = &v
		}
		if v, ok := s.Float("top_p"); ok {
			ev.TopP = &v
		}
		events.Emit(o.bus, ev)
	}
	s["max_tokens"] = maxTokens
	res, err := prov.Generate(llm.WithRequestID(ctx, rid), prompt, s)
	if err != nil {
		return prov, rid, "", err
	}
	return prov, rid, res.Text, nil
}

// Judge scores answer with the judge model. Agreement is the answer's word
// count over 64, capped at 1.
func (o *Ops) Judge(ctx context.Context, targetRequestID, prompt string) (Verdict, error) {
	mode := o.modeFor("judge", "judge", "low")
	prov, rid, text, err := o.generate(ctx, "judge", mode, prompt, judgeMaxTokens,
		o.timeout("judge", func(t config.OptionalTimeouts) int { return t.JudgeMS }))
	if err != nil {
		return Verdict{RequestID: rid}, err
	}
	agreement := min(1, float64(len(strings.Fields(text)))/judgeMaxTokens)
	events.Emit(o.bus, events.JudgeInvocation{
		RequestID:       rid,
		ModelID:         prov.Info().ID,
		TargetRequestID: targetRequestID,
		Agreement:       &agreement,
	})
	o.models.SweepIdle(time.Time{})
	return Verdict{RequestID: rid, Text: text, Agreement: agreement}, nil
}

// Plan outlines up to maxSteps steps toward objective with the planner
// model. Lines with fewer than two words are dropped; an empty outline
// falls back to the objective itself.
func (o *Ops) Plan(ctx context.Context, objective string, maxSteps int) (Plan, error) {
	if maxSteps <= 0 {
		maxSteps = defaultSteps
	}
	mode := o.modeFor("planner", "plan", "medium")
	prompt := "Outline up to " + strconv.Itoa(maxSteps) + " high-level steps to: " + objective
	prov, rid, raw, err := o.generate(ctx, "planner", mode, prompt, planMaxTokens,
		o.timeout("planner", func(t config.OptionalTimeouts) int { return t.PlanMS }))
	if err != nil {
		return Plan{RequestID: rid}, err
	}
	steps := parseSteps(raw, maxSteps)
	if len(steps) == 0 {
		steps = []string{objective}
	}
	events.Emit(o.bus, events.PlanGenerated{RequestID: rid, StepsCount: len(steps), ModelID: prov.Info().ID})
	o.models.SweepIdle(time.Time{})
	return Plan{RequestID: rid, Steps: steps, Raw: raw}, nil
}

// Review plans and judges concurrently.
func (o *Ops) Review(ctx context.Context, targetRequestID, answer, objective string) (Verdict, Plan, error) {
	var v Verdict
	var p Plan
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		v, err = o.Judge(gctx, targetRequestID, answer)
		return err
	})
	g.Go(func() (err error) {
		p, err = o.Plan(gctx, objective, defaultSteps)
		return err
	})
	err := g.Wait()
	return v, p, err
}

func parseSteps(raw string, limit int) []string {
	var steps []string
	for _, ln := range strings.Split(raw, "\n") {
		ln = strings.Trim(strings.TrimSpace(ln), " -")
		if ln == "" {
			continue
		}
		if len(steps) >= limit {
			break
		}
		if len(strings.Fields(ln)) >= 2 {
			steps = append(steps, ln)
		}
	}
	return steps
}
