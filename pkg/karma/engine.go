package karma

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mindfulhome/sessiond/pkg/metrics"
	"github.com/mindfulhome/sessiond/pkg/policy"
)

// Engine applies score adjustments to karma records and keeps the derived
// hidden flag consistent with the score at every write.
//
// Writers are serialized per app: the nudge loop, the timer's stop path and
// the control API all read-modify-write the same record, so each mutation
// holds a per-package lock around the store round trip.
type Engine struct {
	store Store
	cfg   policy.KarmaConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a karma engine over the given store.
func NewEngine(store Store, cfg policy.KarmaConfig) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing writes for one app.
func (e *Engine) keyLock(packageName string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[packageName]
	if !ok {
		l = &sync.Mutex{}
		e.locks[packageName] = l
	}
	return l
}

// recomputeHidden derives the hidden flag from the score. An opted-out app
// is never hidden.
func (e *Engine) recomputeHidden(record *Record) {
	record.Hidden = !record.OptedOut && record.Score <= e.cfg.HideThreshold
}

// Get returns the record for an app, creating a zero-score one lazily.
func (e *Engine) Get(ctx context.Context, packageName string) (*Record, error) {
	return e.store.Get(ctx, packageName)
}

// All returns every persisted record.
func (e *Engine) All(ctx context.Context) ([]*Record, error) {
	return e.store.List(ctx)
}

// Hidden returns the records of all currently hidden apps.
func (e *Engine) Hidden(ctx context.Context) ([]*Record, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var hidden []*Record
	for _, r := range records {
		if r.Hidden {
			hidden = append(hidden, r)
		}
	}
	return hidden, nil
}

// IsHidden reports whether an app is currently hidden from the launcher.
func (e *Engine) IsHidden(ctx context.Context, packageName string) (bool, error) {
	record, err := e.store.Get(ctx, packageName)
	if err != nil {
		return false, err
	}
	return record.Hidden, nil
}

// Adjust applies a score delta and recomputes the hidden flag. Adjustments
// on opted-out apps are suppressed entirely.
func (e *Engine) Adjust(ctx context.Context, packageName string, delta int) (*Record, error) {
	l := e.keyLock(packageName)
	l.Lock()
	defer l.Unlock()

	record, err := e.store.Get(ctx, packageName)
	if err != nil {
		return nil, err
	}

	if record.OptedOut {
		logrus.Debugf("karma adjustment suppressed for opted-out app %s", packageName)
		return record, nil
	}

	record.Score += delta
	if record.Score > 0 {
		record.Score = 0
	}
	e.recomputeHidden(record)

	if err := e.store.Put(ctx, record); err != nil {
		return nil, err
	}

	metrics.KarmaAdjustmentsTotal.WithLabelValues(deltaDirection(delta)).Inc()
	logrus.Infof("karma adjusted for %s: delta=%d score=%d hidden=%v",
		packageName, delta, record.Score, record.Hidden)
	return record, nil
}

// RecordOpened increments the open counter and last-opened timestamp.
// The score is not touched.
func (e *Engine) RecordOpened(ctx context.Context, packageName string) error {
	l := e.keyLock(packageName)
	l.Lock()
	defer l.Unlock()

	record, err := e.store.Get(ctx, packageName)
	if err != nil {
		return err
	}

	record.TotalOpens++
	record.LastOpenedAt = time.Now().UnixMilli()

	return e.store.Put(ctx, record)
}

// RecordClosedOnTime rewards ending a session before the budget ran out:
// score recovers by the configured amount, capped at zero. Opted-out apps
// keep the counter but skip the score change.
func (e *Engine) RecordClosedOnTime(ctx context.Context, packageName string) (*Record, error) {
	l := e.keyLock(packageName)
	l.Lock()
	defer l.Unlock()

	record, err := e.store.Get(ctx, packageName)
	if err != nil {
		return nil, err
	}

	record.ClosedOnTimeCount++
	if !record.OptedOut {
		record.Score += e.cfg.ClosedOnTime
		if record.Score > 0 {
			record.Score = 0
		}
		e.recomputeHidden(record)
	}

	if err := e.store.Put(ctx, record); err != nil {
		return nil, err
	}

	logrus.Infof("closed on time recorded for %s: score=%d", packageName, record.Score)
	return record, nil
}

// RecordOverrun increments the overrun counter. The score penalty itself is
// applied separately by the nudge loop via Adjust.
func (e *Engine) RecordOverrun(ctx context.Context, packageName string) error {
	l := e.keyLock(packageName)
	l.Lock()
	defer l.Unlock()

	record, err := e.store.Get(ctx, packageName)
	if err != nil {
		return err
	}

	record.TotalOverruns++

	return e.store.Put(ctx, record)
}

// Forgive resets the score to zero and clears the hidden flag. Counters are
// untouched; the app's history remains visible.
func (e *Engine) Forgive(ctx context.Context, packageName string) error {
	l := e.keyLock(packageName)
	l.Lock()
	defer l.Unlock()

	record, err := e.store.Get(ctx, packageName)
	if err != nil {
		return err
	}

	record.Score = 0
	record.Hidden = false

	if err := e.store.Put(ctx, record); err != nil {
		return err
	}

	logrus.Infof("karma forgiven for %s", packageName)
	return nil
}

// SetOptedOut flips the opt-out flag, creating the record if needed.
// Opting out also resets the score so the app re-enters scoring clean if
// the user ever opts back in.
func (e *Engine) SetOptedOut(ctx context.Context, packageName string, optedOut bool) error {
	l := e.keyLock(packageName)
	l.Lock()
	defer l.Unlock()

	record, err := e.store.Get(ctx, packageName)
	if err != nil {
		return err
	}

	record.OptedOut = optedOut
	if optedOut {
		record.Score = 0
	}
	e.recomputeHidden(record)

	if err := e.store.Put(ctx, record); err != nil {
		return err
	}

	logrus.Infof("karma opt-out for %s set to %v", packageName, optedOut)
	return nil
}

// DailyRecovery recovers every hidden app with a negative score by one
// point, capped at zero. An external scheduler calls this once per calendar
// day. Returns the number of records recovered.
func (e *Engine) DailyRecovery(ctx context.Context) (int, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, r := range records {
		if !r.Hidden || r.Score >= 0 {
			continue
		}

		l := e.keyLock(r.PackageName)
		l.Lock()
		record, err := e.store.Get(ctx, r.PackageName)
		if err != nil {
			l.Unlock()
			return recovered, err
		}
		if record.Hidden && record.Score < 0 {
			record.Score++
			if record.Score > 0 {
				record.Score = 0
			}
			e.recomputeHidden(record)
			if err := e.store.Put(ctx, record); err != nil {
				l.Unlock()
				return recovered, err
			}
			recovered++
		}
		l.Unlock()
	}

	logrus.Infof("daily karma recovery applied to %d apps", recovered)
	return recovered, nil
}

func deltaDirection(delta int) string {
	if delta < 0 {
		return "penalty"
	}
	return "recovery"
}
