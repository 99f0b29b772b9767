package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	defaultFailureThreshold = 3
	defaultCooldown         = time.Minute
	breakerInterval         = 10 * time.Minute
)

// BackendConfig registers a backend with its per-call timeout and breaker
// thresholds. Zero values take defaults.
type BackendConfig struct {
	Backend          Backend
	Timeout          time.Duration
	FailureThreshold uint32        // consecutive failures before the breaker opens
	Cooldown         time.Duration // how long an open breaker fast-fails
}

type slot struct {
	backend Backend
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher renders scenes on their preferred backend and falls back to the
// alternate one exactly once.
type Dispatcher struct {
	policy FallbackPolicy
	slots  map[models.Backend]*slot
	log    *logrus.Entry
}

func NewDispatcher(policy FallbackPolicy, log logrus.FieldLogger, configs ...BackendConfig) *Dispatcher {
	d := &Dispatcher{
		policy: policy,
		slots:  make(map[models.Backend]*slot, len(configs)),
		log:    logging.Component(log, "render"),
	}
	for _, cfg := range configs {
		kind := cfg.Backend.Kind()
		threshold := cfg.FailureThreshold
		if threshold == 0 {
			threshold = defaultFailureThreshold
		}
		cooldown := cfg.Cooldown
		if cooldown <= 0 {
			cooldown = defaultCooldown
		}
		entry := d.log
		d.slots[kind] = &slot{
			backend: cfg.Backend,
			timeout: cfg.Timeout,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "render." + string(kind),
				MaxRequests: 1,
				Interval:    breakerInterval,
				Timeout:     cooldown,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= threshold
				},
				// Cancellation says nothing about backend health.
				IsSuccessful: func(err error) bool {
					return err == nil || errors.Is(err, context.Canceled)
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					entry.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("Render backend breaker changed state")
				},
			}),
		}
	}
	return d
}

// RenderScene renders one scene. onStall, if set, is told when an attempt
// hits its timeout. The result reports the backend that produced (or last
// failed to produce) the clip.
func (d *Dispatcher) RenderScene(ctx context.Context, req Request, onStall func(detail string)) models.RenderResult {
	idx := req.Scene.Index
	primary := d.policy.Resolve(req.Scene.PreferredBackend)
	if _, ok := d.slots[primary]; !ok {
		if alt := d.policy.Alternate(primary); d.slots[alt] != nil {
			primary = alt
		}
	}

	log := d.log.WithFields(logrus.Fields{"job_id": req.JobID, "scene": idx})

	clip, err := d.attempt(ctx, primary, req)
	if err == nil {
		log.WithField("backend", primary).Info("Scene rendered")
		return models.RenderResult{SceneIndex: idx, Backend: primary, ClipPath: clip.Path, Success: true}
	}
	if ctx.Err() != nil {
		return failedResult(idx, primary, false, err)
	}
	d.noteStall(onStall, idx, primary, err)

	alt := d.policy.Alternate(primary)
	if _, ok := d.slots[alt]; !ok {
		log.WithError(err).WithField("backend", primary).Warn("Scene render failed, no fallback backend")
		return failedResult(idx, primary, false, err)
	}

	log.WithError(err).WithFields(logrus.Fields{"backend": primary, "fallback": alt}).Warn("Scene render failed, falling back")

	req.PriorError = err.Error()
	clip, err = d.attempt(ctx, alt, req)
	if err != nil {
		if ctx.Err() == nil {
			d.noteStall(onStall, idx, alt, err)
		}
		log.WithError(err).WithField("backend", alt).Warn("Fallback render failed")
		return failedResult(idx, alt, true, err)
	}

	log.WithField("backend", alt).Info("Scene rendered on fallback backend")
	return models.RenderResult{SceneIndex: idx, Backend: alt, Fallback: true, ClipPath: clip.Path, Success: true}
}

func (d *Dispatcher) attempt(ctx context.Context, kind models.Backend, req Request) (*Clip, error) {
	s, ok := d.slots[kind]
	if !ok {
		return nil, apperr.New(apperr.ErrScene, "rendering", fmt.Sprintf("backend %s is not configured", kind))
	}

	attemptCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.backend.Render(attemptCtx, req)
	})
	switch {
	case err == nil:
		clip, _ := out.(*Clip)
		if clip == nil || clip.Path == "" {
			return nil, apperr.New(apperr.ErrScene, "rendering", fmt.Sprintf("%s returned no clip", kind))
		}
		return clip, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, apperr.Wrap(apperr.ErrScene, "rendering", string(kind), "backend temporarily disabled after repeated failures", err)
	case ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return nil, apperr.Wrap(apperr.ErrTimeout, "rendering", string(kind), fmt.Sprintf("render stalled after %s", s.timeout), err)
	}
	return nil, err
}

func (d *Dispatcher) noteStall(onStall func(string), idx int, kind models.Backend, err error) {
	if onStall == nil || !apperr.IsTimeout(err) {
		return
	}
	onStall(fmt.Sprintf("Stalled: scene %d %s render timed out", idx, kind))
}

func failedResult(idx int, kind models.Backend, fallback bool, err error) models.RenderResult {
	return models.RenderResult{
		SceneIndex: idx,
		Backend:    kind,
		Fallback:   fallback,
		Success:    false,
		Error:      apperr.Detail(err),
	}
}
