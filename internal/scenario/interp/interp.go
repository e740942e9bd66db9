// SPDX-License-Identifier: MIT

package interp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/log"
	"github.com/tapgrid/tapgrid/internal/metrics"
	"github.com/tapgrid/tapgrid/internal/scenario"
)

const (
	// DefaultStepTimeout bounds a single driver call unless the node
	// overrides it.
	DefaultStepTimeout = 30 * time.Second

	// stepBudget caps total steps per run so a mis-configured break
	// condition cannot spin forever.
	stepBudget = 10000
)

// TemplateSource resolves image template ids to their bytes.
type TemplateSource interface {
	Template(ctx context.Context, id string) ([]byte, error)
}

// Options tune one interpreter instance.
type Options struct {
	// DefaultTimeout applies to driver calls on nodes without a timeout.
	DefaultTimeout time.Duration

	// ScreenshotOnFailure captures a screenshot into the failing step.
	ScreenshotOnFailure bool

	// Templates resolves image-match template ids; required only when the
	// graph uses image matching.
	Templates TemplateSource

	// OnStep is invoked after every recorded step; used for per-step
	// telemetry. May be nil.
	OnStep func(StepResult)
}

// Interpreter walks a scenario graph node by node against one driver.
type Interpreter struct {
	drv    device.Driver
	opt    Options
	logger zerolog.Logger

	// window size is queried once per run and cached for percent remapping.
	size device.Size
}

// New creates an interpreter bound to a driver.
func New(drv device.Driver, opt Options) *Interpreter {
	if opt.DefaultTimeout <= 0 {
		opt.DefaultTimeout = DefaultStepTimeout
	}
	return &Interpreter{
		drv:    drv,
		opt:    opt,
		logger: log.WithComponent("interp"),
	}
}

// Run executes the graph. The returned Result always reflects how far the
// run got; the error return is reserved for graphs that fail validation
// preconditions (no start node).
func (it *Interpreter) Run(ctx context.Context, g *scenario.Graph) (*Result, error) {
	start := g.StartIndex()
	if start < 0 {
		return nil, fmt.Errorf("scenario %s: no start node", g.ID)
	}

	res := &Result{ScenarioID: g.ID, Status: StatusPassed, StartedAt: time.Now()}
	defer func() {
		res.CompletedAt = time.Now()
		metrics.ScenarioRunsTotal.WithLabelValues(string(res.Status)).Inc()
	}()

	size, err := it.drv.WindowSize(ctx)
	if err != nil {
		it.failRun(res, fmt.Errorf("window size: %w", err))
		return res, nil
	}
	it.size = size

	cur := start
	counters := make(map[int]int)
	steps := 0
	logger := log.WithContext(ctx, it.logger).With().Str("scenario_id", g.ID).Logger()

	for {
		if ctx.Err() != nil {
			it.stopRun(res, g, cur)
			return res, nil
		}
		if steps++; steps > stepBudget {
			it.failRun(res, device.NewDriverError(device.FailAssertion, "run", "step budget exhausted, possible endless loop"))
			return res, nil
		}

		node := &g.Nodes[cur]
		res.BranchTrace = append(res.BranchTrace, node.ID)

		switch node.Kind {
		case scenario.KindStart:
			next, err := it.defaultNext(g, cur)
			if err != nil {
				it.failRun(res, err)
				return res, nil
			}
			cur = next

		case scenario.KindEnd:
			logger.Debug().Int("steps", len(res.Steps)).Msg("scenario complete")
			return res, nil

		case scenario.KindAction:
			stopped, err := it.runAction(ctx, res, node)
			if stopped {
				res.Status = StatusStopped
				return res, nil
			}
			if err != nil {
				res.Status = StatusFailed
				res.Error = err.Error()
				res.Category = device.Classify(err)
				return res, nil
			}
			next, err := it.defaultNext(g, cur)
			if err != nil {
				it.failRun(res, err)
				return res, nil
			}
			cur = next

		case scenario.KindCondition:
			outcome, step := it.evalCondition(ctx, node.ID, node.Label, node.Condition)
			it.record(res, step)
			if step.Status == StepStopped {
				res.Status = StatusStopped
				return res, nil
			}
			if step.Status == StepFailed {
				res.Status = StatusFailed
				res.Error = step.Error
				res.Category = step.Category
				return res, nil
			}
			label := scenario.BranchNo
			if outcome {
				label = scenario.BranchYes
			}
			ei := g.OutEdge(cur, label)
			if ei < 0 {
				it.failRun(res, device.NewDriverError(device.FailAssertion, "branch",
					fmt.Sprintf("condition node %q has no %q edge", node.ID, label)))
				return res, nil
			}
			cur = g.Edges[ei].To

		case scenario.KindLoop:
			next, done, err := it.stepLoop(ctx, g, cur, node, counters, res)
			if done {
				return res, nil
			}
			if err != nil {
				it.failRun(res, err)
				return res, nil
			}
			cur = next

		default:
			it.failRun(res, device.NewDriverError(device.FailAssertion, "dispatch",
				fmt.Sprintf("node %q has unknown kind %q", node.ID, node.Kind)))
			return res, nil
		}
	}
}

// defaultNext follows the single unlabeled out-edge; anything else is a
// configuration error on a well-formed graph.
func (it *Interpreter) defaultNext(g *scenario.Graph, cur int) (int, error) {
	var candidates []int
	for _, ei := range g.OutEdges(cur) {
		if g.Edges[ei].Label == scenario.BranchDefault {
			candidates = append(candidates, ei)
		}
	}
	if len(candidates) != 1 {
		return 0, device.NewDriverError(device.FailAssertion, "branch",
			fmt.Sprintf("node %q has %d default out-edges, want 1", g.Nodes[cur].ID, len(candidates)))
	}
	return g.Edges[candidates[0]].To, nil
}

// stepLoop advances a loop node: while the per-node counter is below the
// configured count the loop back-edge is taken; on exhaustion, or when the
// break condition holds, the exit edge is taken.
func (it *Interpreter) stepLoop(ctx context.Context, g *scenario.Graph, cur int, node *scenario.Node, counters map[int]int, res *Result) (next int, done bool, err error) {
	p := node.Loop
	exit := g.OutEdge(cur, scenario.BranchExit)
	if exit < 0 {
		return 0, false, device.NewDriverError(device.FailAssertion, "branch",
			fmt.Sprintf("loop node %q has no exit edge", node.ID))
	}
	back := g.OutEdge(cur, scenario.BranchLoop)

	takeLoop := false
	if p.Count > 0 {
		if counters[cur] < p.Count {
			counters[cur]++
			takeLoop = true
		} else {
			counters[cur] = 0 // reset for re-entry via an outer loop
		}
	} else if p.Break != nil {
		met, step := it.evalCondition(ctx, node.ID, node.Label, p.Break)
		it.record(res, step)
		if step.Status == StepStopped {
			res.Status = StatusStopped
			return 0, true, nil
		}
		if step.Status == StepFailed {
			res.Status = StatusFailed
			res.Error = step.Error
			res.Category = step.Category
			return 0, true, nil
		}
		takeLoop = !met
	}

	if takeLoop {
		if back < 0 {
			return 0, false, device.NewDriverError(device.FailAssertion, "branch",
				fmt.Sprintf("loop node %q has no loop back-edge", node.ID))
		}
		return g.Edges[back].To, false, nil
	}
	return g.Edges[exit].To, false, nil
}

// runAction executes an action node with its retry wrapper. Every attempt
// is recorded as a separately timed step. Returns stopped=true when the
// run was cancelled mid-node.
func (it *Interpreter) runAction(ctx context.Context, res *Result, node *scenario.Node) (stopped bool, err error) {
	p := node.Action
	attempts := 1 + p.MaxRetries

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			it.record(res, it.stoppedStep(node, attempt))
			return true, nil
		}

		step := StepResult{
			NodeID:    node.ID,
			NodeLabel: node.Label,
			Kind:      scenario.KindAction,
			Action:    p.Type,
			Attempt:   attempt,
			StartedAt: time.Now(),
		}

		waitStart := time.Now()
		if p.Type == scenario.ActionWait {
			err = sleepCtx(ctx, time.Duration(p.Duration)*time.Millisecond)
			step.WaitMS = time.Since(waitStart).Milliseconds()
		} else {
			actStart := time.Now()
			err = it.execute(ctx, node.ID, p, &step)
			step.ActionMS = time.Since(actStart).Milliseconds()
		}
		step.TotalMS = time.Since(step.StartedAt).Milliseconds()
		step.CompletedAt = time.Now()

		if err == nil {
			step.Status = StepPassed
			it.record(res, step)
			return false, nil
		}
		if ctx.Err() != nil {
			step.Status = StepStopped
			it.record(res, step)
			return true, nil
		}

		step.Status = StepFailed
		step.Error = err.Error()
		step.Category = device.Classify(err)
		if it.opt.ScreenshotOnFailure {
			if shot, serr := it.drv.Screenshot(ctx); serr == nil {
				step.Screenshot = shot
			}
		}
		it.record(res, step)

		if attempt < attempts {
			if serr := sleepCtx(ctx, time.Duration(p.RetryInterval)*time.Millisecond); serr != nil {
				it.record(res, it.stoppedStep(node, attempt+1))
				return true, nil
			}
		}
	}
	return false, err
}

// execute performs the driver call for one action attempt.
func (it *Interpreter) execute(ctx context.Context, nodeID string, p *scenario.ActionParams, step *StepResult) error {
	timeout := it.opt.DefaultTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch p.Type {
	case scenario.ActionTap:
		pt, err := it.tapPoint(p)
		if err != nil {
			return err
		}
		return it.drv.Tap(callCtx, pt)

	case scenario.ActionLongPress:
		pt, err := it.tapPoint(p)
		if err != nil {
			return err
		}
		return it.drv.LongPress(callCtx, pt, p.Duration)

	case scenario.ActionSwipe:
		start, end, err := it.swipePoints(p)
		if err != nil {
			return err
		}
		return it.drv.Swipe(callCtx, start, end, p.Duration)

	case scenario.ActionClick:
		return it.drv.Click(callCtx, p.Selector, p.Strategy)

	case scenario.ActionInputText:
		return it.drv.InputText(callCtx, p.Selector, p.Strategy, p.Text)

	case scenario.ActionPressKey:
		return it.drv.PressKey(callCtx, p.Key)

	case scenario.ActionLaunchApp:
		return it.drv.Launch(callCtx, p.AppPackage, p.AppActivity)

	case scenario.ActionStopApp:
		return it.drv.Terminate(callCtx, p.AppPackage)

	case scenario.ActionClearData:
		return it.drv.ClearData(callCtx, p.AppPackage)

	case scenario.ActionClearCache:
		return it.drv.ClearCache(callCtx, p.AppPackage)

	case scenario.ActionImageMatch:
		match, err := it.matchImage(callCtx, p.TemplateID, p.Confidence, roiRect(it.size, p.ROIEnabled, p.ROIX, p.ROIY, p.ROIWidth, p.ROIHeight))
		if match != nil {
			step.Match = match
		}
		return err

	default:
		return device.NewDriverError(device.FailAssertion, "action",
			fmt.Sprintf("node %q has unknown action type %q", nodeID, p.Type))
	}
}

func (it *Interpreter) matchImage(ctx context.Context, templateID string, threshold float64, roi *device.Rect) (*device.MatchResult, error) {
	if it.opt.Templates == nil {
		return nil, device.NewDriverError(device.FailAssertion, "matchImage", "no template source configured")
	}
	tpl, err := it.opt.Templates.Template(ctx, templateID)
	if err != nil {
		return nil, device.NewDriverError(device.FailAssertion, "matchImage",
			fmt.Sprintf("template %q unresolvable: %v", templateID, err))
	}
	if threshold <= 0 {
		threshold = 0.9
	}
	res, err := it.drv.MatchImage(ctx, tpl, roi, threshold)
	if err != nil {
		return nil, err
	}
	if !res.Matched || res.Confidence < threshold {
		return &res, device.NewDriverError(device.FailImageNotMatched, "matchImage",
			fmt.Sprintf("confidence %.3f below threshold %.3f", res.Confidence, threshold))
	}
	return &res, nil
}

// evalCondition evaluates a condition predicate and records one step.
func (it *Interpreter) evalCondition(ctx context.Context, nodeID, label string, p *scenario.ConditionParams) (bool, StepResult) {
	step := StepResult{
		NodeID:    nodeID,
		NodeLabel: label,
		Kind:      scenario.KindCondition,
		Attempt:   1,
		StartedAt: time.Now(),
	}
	defer func() {
		step.CompletedAt = time.Now()
		step.TotalMS = time.Since(step.StartedAt).Milliseconds()
		step.ActionMS = step.TotalMS
	}()

	timeout := it.opt.DefaultTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := it.predicate(callCtx, p, &step)
	if err != nil {
		if ctx.Err() != nil {
			step.Status = StepStopped
			return false, step
		}
		step.Status = StepFailed
		step.Error = err.Error()
		step.Category = device.Classify(err)
		return false, step
	}
	step.Status = StepPassed
	return outcome, step
}

func (it *Interpreter) predicate(ctx context.Context, p *scenario.ConditionParams, step *StepResult) (bool, error) {
	switch p.Type {
	case scenario.CondElementPresent:
		dump, err := it.drv.UIDump(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(dump, p.Selector), nil

	case scenario.CondImageMatch:
		threshold := p.Confidence
		if threshold <= 0 {
			threshold = 0.9
		}
		match, err := it.matchImage(ctx, p.TemplateID, threshold, roiRect(it.size, p.ROIEnabled, p.ROIX, p.ROIY, p.ROIWidth, p.ROIHeight))
		if match != nil {
			step.Match = match
		}
		if err != nil {
			// A below-threshold match is a "no" answer, not a failure.
			var de *device.DriverError
			if errors.As(err, &de) && de.Category == device.FailImageNotMatched {
				return false, nil
			}
			return false, err
		}
		return true, nil

	case scenario.CondTextPresent:
		var region *device.Rect
		if p.ROIEnabled {
			region = roiRect(it.size, true, p.ROIX, p.ROIY, p.ROIWidth, p.ROIHeight)
		}
		boxes, err := it.drv.OCR(ctx, region)
		if err != nil {
			return false, err
		}
		for _, b := range boxes {
			if strings.Contains(b.Text, p.Text) {
				return true, nil
			}
		}
		return false, nil

	case scenario.CondAppRunning:
		state, err := it.drv.QueryAppState(ctx, p.AppPackage)
		if err != nil {
			return false, err
		}
		return state == device.AppStateForeground || state == device.AppStateBackground, nil

	default:
		return false, device.NewDriverError(device.FailAssertion, "condition",
			fmt.Sprintf("unknown condition type %q", p.Type))
	}
}

// tapPoint resolves tap coordinates; percent coordinates win over absolute.
// Out-of-range percents pass through unclamped.
func (it *Interpreter) tapPoint(p *scenario.ActionParams) (device.Point, error) {
	if p.XPercent != nil && p.YPercent != nil {
		return device.Point{
			X: int(*p.XPercent * float64(it.size.Width)),
			Y: int(*p.YPercent * float64(it.size.Height)),
		}, nil
	}
	if p.X != nil && p.Y != nil {
		return device.Point{X: *p.X, Y: *p.Y}, nil
	}
	return device.Point{}, device.NewDriverError(device.FailAssertion, "tap", "node has neither percent nor absolute coordinates")
}

func (it *Interpreter) swipePoints(p *scenario.ActionParams) (start, end device.Point, err error) {
	if p.StartXPercent != nil && p.StartYPercent != nil && p.EndXPercent != nil && p.EndYPercent != nil {
		w, h := float64(it.size.Width), float64(it.size.Height)
		return device.Point{X: int(*p.StartXPercent * w), Y: int(*p.StartYPercent * h)},
			device.Point{X: int(*p.EndXPercent * w), Y: int(*p.EndYPercent * h)}, nil
	}
	if p.StartX != nil && p.StartY != nil && p.EndX != nil && p.EndY != nil {
		return device.Point{X: *p.StartX, Y: *p.StartY}, device.Point{X: *p.EndX, Y: *p.EndY}, nil
	}
	return device.Point{}, device.Point{}, device.NewDriverError(device.FailAssertion, "swipe", "node has incomplete swipe coordinates")
}

func roiRect(size device.Size, enabled bool, x, y, w, h float64) *device.Rect {
	if !enabled {
		return nil
	}
	return &device.Rect{
		X:      int(x * float64(size.Width)),
		Y:      int(y * float64(size.Height)),
		Width:  int(w * float64(size.Width)),
		Height: int(h * float64(size.Height)),
	}
}

func (it *Interpreter) record(res *Result, step StepResult) {
	res.Steps = append(res.Steps, step)
	metrics.StepsTotal.WithLabelValues(string(step.Status), string(step.Category)).Inc()
	metrics.StepDurationSeconds.WithLabelValues(string(step.Kind)).Observe(float64(step.TotalMS) / 1000)
	if it.opt.OnStep != nil {
		it.opt.OnStep(step)
	}
}

func (it *Interpreter) stoppedStep(node *scenario.Node, attempt int) StepResult {
	now := time.Now()
	return StepResult{
		NodeID:      node.ID,
		NodeLabel:   node.Label,
		Kind:        node.Kind,
		Action:      node.Action.Type,
		Attempt:     attempt,
		Status:      StepStopped,
		StartedAt:   now,
		CompletedAt: now,
	}
}

func (it *Interpreter) failRun(res *Result, err error) {
	res.Status = StatusFailed
	res.Error = err.Error()
	res.Category = device.Classify(err)
}

func (it *Interpreter) stopRun(res *Result, g *scenario.Graph, cur int) {
	res.Status = StatusStopped
	it.logger.Debug().Str("scenario_id", g.ID).Str("node_id", g.Nodes[cur].ID).Msg("run cancelled before dispatch")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
