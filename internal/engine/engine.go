// Package engine runs one batch computation over a course.
//
// A run validates every input up front, then processes segments on a bounded
// worker pool. Each segment is independent: its bins are built, rolled into
// segment windows, evaluated by the flagging machines and scanned for
// cross-event overlaps. Results land in per-segment slots and are merged in
// segment ID order, so output does not depend on the number of workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/runflow/internal/aggregate"
	"github.com/rewired-gh/runflow/internal/bins"
	"github.com/rewired-gh/runflow/internal/convergence"
	"github.com/rewired-gh/runflow/internal/flagging"
	"github.com/rewired-gh/runflow/internal/logger"
	"github.com/rewired-gh/runflow/internal/los"
	"github.com/rewired-gh/runflow/internal/models"
)

var log = logger.For("engine")

// Options tune a run.
type Options struct {
	StepKm             float64
	WindowSeconds      float64
	Workers            int // 0 means GOMAXPROCS
	OverlapToleranceKm float64
}

// Result holds every artifact of a run, ordered by segment ID then window.
type Result struct {
	Run      models.RunContext
	Bins     []models.Bin
	Windows  []models.SegmentWindow
	Flags    []models.Flag
	Overlaps []models.OverlapRecord
}

// SegmentError reports a failure while processing one segment.
type SegmentError struct {
	SegmentID string
	Err       error
}

func (e SegmentError) Error() string {
	return fmt.Sprintf("segment %s: %v", e.SegmentID, e.Err)
}

func (e SegmentError) Unwrap() error { return e.Err }

// Engine computes runs against one rulebook.
type Engine struct {
	rules *los.Rulebook
	opts  Options
}

// New creates an Engine. The rulebook and options are checked when a run
// starts.
func New(rules *los.Rulebook, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.OverlapToleranceKm == 0 {
		opts.OverlapToleranceKm = convergence.DefaultToleranceKm
	}
	return &Engine{rules: rules, opts: opts}
}

// Workers returns the worker pool size.
func (e *Engine) Workers() int { return e.opts.Workers }

// ValidateInput fails fast on anything that would produce garbage bins:
// malformed segments, duplicate segment IDs, schemas missing from the
// rulebook, unresolvable triggers, malformed trajectories, and non-positive
// step or window.
func ValidateInput(rules *los.Rulebook, opts Options, segments []models.CourseSegment, runners []models.RunnerTrajectory) error {
	if rules == nil {
		return errors.New("rulebook is required")
	}
	if opts.StepKm <= 0 {
		return fmt.Errorf("%w: step_km must be positive, got %v", bins.ErrInvalidStep, opts.StepKm)
	}
	if opts.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window_seconds must be positive, got %v", bins.ErrInvalidStep, opts.WindowSeconds)
	}
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("invalid rulebook: %w", err)
	}
	if len(segments) == 0 {
		return errors.New("no segments provided")
	}

	seen := make(map[string]bool, len(segments))
	for i := range segments {
		seg := &segments[i]
		if err := seg.Validate(); err != nil {
			return err
		}
		if seen[seg.ID] {
			return fmt.Errorf("%w: duplicate segment ID %s", models.ErrInvalidSegment, seg.ID)
		}
		seen[seg.ID] = true
		if _, err := rules.Table(seg.Schema); err != nil {
			return fmt.Errorf("segment %s: %w", seg.ID, err)
		}
	}

	for i := range runners {
		if err := runners[i].Validate(); err != nil {
			return fmt.Errorf("invalid trajectory: %w", err)
		}
	}
	return nil
}

// slot is the output of one segment.
type slot struct {
	bins     []models.Bin
	windows  []models.SegmentWindow
	flags    []models.Flag
	overlaps []models.OverlapRecord
}

// Run computes every artifact for the given inputs. A cancelled context
// aborts the whole run and no partial result is returned.
func (e *Engine) Run(ctx context.Context, run models.RunContext, segments []models.CourseSegment, runners []models.RunnerTrajectory) (*Result, error) {
	if err := run.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run context: %w", err)
	}
	if err := ValidateInput(e.rules, e.opts, segments, runners); err != nil {
		return nil, err
	}

	builder, err := bins.NewBuilder(run, e.rules, e.opts.StepKm, e.opts.WindowSeconds)
	if err != nil {
		return nil, err
	}
	flagger := flagging.NewEngine(run, e.rules)
	detector := convergence.NewDetector(run, e.opts.OverlapToleranceKm)

	sorted := make([]models.CourseSegment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	start := time.Now()
	slots := make([]slot, len(sorted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range sorted {
		i := i // per-iteration copy; go directive is below 1.22
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := e.segment(builder, flagger, detector, sorted[i], runners)
			if err != nil {
				return SegmentError{SegmentID: sorted[i].ID, Err: err}
			}
			slots[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Run: run}
	for _, s := range slots {
		res.Bins = append(res.Bins, s.bins...)
		res.Windows = append(res.Windows, s.windows...)
		res.Flags = append(res.Flags, s.flags...)
		res.Overlaps = append(res.Overlaps, s.overlaps...)
	}

	log.Info("run %s: %d segments, %d runners -> %d bins, %d windows, %d flags, %d overlaps in %v (%d workers)",
		run.RunID, len(sorted), len(runners), len(res.Bins), len(res.Windows), len(res.Flags), len(res.Overlaps),
		time.Since(start).Round(time.Millisecond), e.opts.Workers)
	return res, nil
}

func (e *Engine) segment(builder *bins.Builder, flagger *flagging.Engine, detector *convergence.Detector,
	seg models.CourseSegment, runners []models.RunnerTrajectory) (slot, error) {
	table, err := e.rules.Table(seg.Schema)
	if err != nil {
		return slot{}, err
	}

	bs, err := builder.Build(seg, runners)
	if err != nil {
		return slot{}, fmt.Errorf("building bins: %w", err)
	}
	windows := aggregate.Aggregate(bs, func(_ string, d float64) string {
		return los.Classify(d, table)
	})

	flags, err := flagger.Evaluate(seg, bs)
	if err != nil {
		return slot{}, fmt.Errorf("evaluating triggers: %w", err)
	}
	if len(flags) > 0 {
		log.Warn("segment %s fired %d flags", seg.ID, len(flags))
	}

	overlaps, err := detector.DetectSegment(seg, runners)
	if err != nil {
		return slot{}, fmt.Errorf("detecting overlaps: %w", err)
	}

	return slot{bins: bs, windows: windows, flags: flags, overlaps: overlaps}, nil
}
