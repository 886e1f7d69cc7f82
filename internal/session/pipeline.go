package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/soundstage/internal/analysis"
	"github.com/MrWong99/soundstage/internal/decision"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/events"
	"github.com/MrWong99/soundstage/pkg/audio"
)

// run is one pipeline instance. The producer owns the stream reads, the
// consumer owns acc, cooldownUntil, and the recording of dispatch results.
type run struct {
	m      *Manager
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stream     audio.Stream
	classifier analysis.Classifier
	queue      *frameQueue
	acc        *analysis.Accumulator
	window     time.Duration

	// stopped is set by Stop; dispatch results arriving afterwards are
	// discarded.
	stopped  atomic.Bool
	inflight sync.WaitGroup
	results  chan dispatch.Record

	windows  atomic.Uint64
	degraded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64

	cooldownUntil time.Time
}

// supervise runs producer and consumer until stop, end of stream, or
// device loss, then settles the manager state.
func (r *run) supervise() {
	g, gctx := errgroup.WithContext(r.ctx)
	g.Go(func() error { return r.produce(gctx) })
	g.Go(func() error { return r.consume(gctx) })
	err := g.Wait()

	_ = r.stream.Close()
	r.settle(err)
	if err != nil {
		r.cancel()
		return
	}
	// After end of stream pending dispatches may still complete.
	go r.drainResults()
}

// drainResults records the dispatches still in flight when the stream ended.
// It takes over from the consumer, which has already returned.
func (r *run) drainResults() {
	idle := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(idle)
	}()
	for {
		select {
		case rec := <-r.results:
			r.record(rec)
		case <-idle:
			for {
				select {
				case rec := <-r.results:
					r.record(rec)
				default:
					r.cancel()
					return
				}
			}
		}
	}
}

// produce reads frames into the queue. It never blocks on the consumer.
func (r *run) produce(ctx context.Context) error {
	for {
		f, err := r.stream.Read(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				r.queue.Close(io.EOF)
				return nil
			case r.stopped.Load() || ctx.Err() != nil:
				r.queue.Close(context.Canceled)
				return nil
			default:
				r.queue.Close(err)
				return fmt.Errorf("session: capture: %w", err)
			}
		}
		if r.queue.Push(f) {
			r.dropped.Add(1)
			if mt := r.m.cfg.Metrics; mt != nil {
				mt.DroppedFrames.Add(ctx, 1)
			}
		}
	}
}

// consume drains the queue into windows and processes each sealed window.
// It returns nil once the queue is closed and empty.
func (r *run) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-r.results:
			r.record(rec)
			continue
		case <-r.queue.Ready():
		}
		for {
			f, gap, ok, end := r.queue.Pop()
			if !ok {
				if end != nil {
					return nil
				}
				break
			}
			if gap {
				r.acc.MarkDegraded()
			}
			if w := r.acc.Add(f); w != nil {
				if err := r.process(ctx, w); err != nil {
					return nil
				}
			}
		}
	}
}

// process analyses w, decides, and dispatches. It returns ctx.Err() when the
// session was stopped while the window was in flight.
func (r *run) process(ctx context.Context, w *analysis.Window) error {
	m := r.m
	started := time.Now()
	sig, kind := r.analyze(ctx, w)
	if err := ctx.Err(); err != nil {
		return err
	}
	elapsed := time.Since(started)

	r.windows.Add(1)
	if w.Degraded {
		r.degraded.Add(1)
	}
	if kind != "" {
		r.failed.Add(1)
		if mt := m.cfg.Metrics; mt != nil {
			mt.RecordAnalysisError(ctx, kind)
		}
	}
	if mt := m.cfg.Metrics; mt != nil {
		mt.RecordWindow(ctx, w.Degraded, elapsed)
	}
	m.history.Add(sig)

	if dec := r.decide(sig); dec != nil {
		r.dispatch(*dec)
	}

	m.mu.Lock()
	if !r.stopped.Load() {
		m.publishLocked(func(s *Status) {
			s.WindowsAnalyzed = r.windows.Load()
			s.DegradedWindows = r.degraded.Load()
			s.DroppedFrames = r.dropped.Load()
			s.AnalysisErrors = r.failed.Load()
			s.CooldownUntil = r.cooldownUntil
			last := sig
			s.LastSignal = &last
		})
	}
	m.mu.Unlock()
	m.cfg.Bus.Publish(events.TypeSignal, sig)
	return nil
}

type analyzeResult struct {
	sig   analysis.Signal
	err   error
	panic any
}

// analyze runs the classifier with a deadline of one window duration. A
// failure, panic, or overrun yields the empty signal; kind then names it.
func (r *run) analyze(ctx context.Context, w *analysis.Window) (analysis.Signal, string) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if r.window > 0 {
		actx, cancel = context.WithTimeout(ctx, r.window)
	}
	defer cancel()

	ch := make(chan analyzeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- analyzeResult{panic: p}
			}
		}()
		sig, err := r.classifier.Analyze(actx, w)
		ch <- analyzeResult{sig: sig, err: err}
	}()

	select {
	case res := <-ch:
		switch {
		case res.panic != nil:
			slog.Error("session: classifier panicked", "window", w.Seq, "panic", res.panic)
			return analysis.Empty(w), "panic"
		case res.err != nil:
			slog.Warn("session: window analysis failed", "window", w.Seq, "err", res.err)
			return analysis.Empty(w), "error"
		}
		sig := res.sig
		sig.Window = w.Seq
		sig.Degraded = sig.Degraded || w.Degraded
		return sig, ""
	case <-actx.Done():
		if ctx.Err() != nil {
			return analysis.Empty(w), ""
		}
		slog.Warn("session: window analysis overran", "window", w.Seq, "budget", r.window)
		return analysis.Empty(w), "overrun"
	}
}

// decide consults the current engine with the hot settings of this window.
func (r *run) decide(sig analysis.Signal) *decision.Decision {
	eng := r.m.engine.Load()
	if eng == nil {
		return nil
	}
	set := r.m.settings.Load()
	now := r.m.cfg.Now()
	dec := eng.Decide(sig, decision.State{
		Sensitivity:   set.Sensitivity,
		AutoTrigger:   set.AutoTrigger,
		Cooldown:      set.Cooldown,
		CooldownUntil: r.cooldownUntil,
		Now:           now,
	})
	if dec != nil {
		r.cooldownUntil = now.Add(dec.Cooldown)
	}
	return dec
}

// dispatch plays dec off the analysis path. The record is handed back to the
// consumer; once the run is cancelled it is dropped.
func (r *run) dispatch(dec decision.Decision) {
	m := r.m
	if m.cfg.Dispatcher == nil {
		return
	}
	slog.Info("session: auto trigger",
		"effect", dec.EffectID,
		"rule", dec.Rule,
		"key", dec.Key,
		"window", dec.Window,
		"intensity", dec.Intensity,
	)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		rec := m.cfg.Dispatcher.Dispatch(r.ctx, dec)
		select {
		case r.results <- rec:
		case <-r.ctx.Done():
		}
	}()
}

// record adds a finished dispatch to the status unless the run was stopped
// or superseded by a newer session.
func (r *run) record(rec dispatch.Record) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.stopped.Load() || r.gen != m.gen {
		return
	}
	m.addTriggerLocked(rec)
}

// settle moves the manager to its post-run state and releases Stop.
func (r *run) settle(err error) {
	m := r.m
	m.mu.Lock()
	stopped := r.stopped.Load()
	if m.current == r {
		m.current = nil
	}
	counters := func(s *Status) {
		s.WindowsAnalyzed = r.windows.Load()
		s.DegradedWindows = r.degraded.Load()
		s.DroppedFrames = r.dropped.Load()
		s.AnalysisErrors = r.failed.Load()
	}
	if err != nil && !stopped {
		m.state = StateError
		m.publishLocked(func(s *Status) {
			counters(s)
			s.State = StateError
			s.LastError = err.Error()
		})
		slog.Error("session: analysis stopped by capture error", "err", err)
	} else {
		m.state = StateIdle
		m.publishLocked(func(s *Status) {
			counters(s)
			s.State = StateIdle
		})
		slog.Info("session: analysis stopped",
			"windows", r.windows.Load(),
			"degraded", r.degraded.Load(),
			"dropped_frames", r.dropped.Load(),
			"analysis_errors", r.failed.Load(),
		)
	}
	m.mu.Unlock()

	if mt := m.cfg.Metrics; mt != nil {
		mt.ActiveSessions.Add(context.Background(), -1)
	}
	close(r.done)
}
