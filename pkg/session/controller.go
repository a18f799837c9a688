package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mindfulhome/sessiond/pkg/common"
	"github.com/mindfulhome/sessiond/pkg/karma"
	"github.com/mindfulhome/sessiond/pkg/metrics"
	"github.com/mindfulhome/sessiond/pkg/negotiation"
	"github.com/mindfulhome/sessiond/pkg/policy"
)

// Negotiator is the nudge-conversation collaborator, satisfied by
// negotiation.Orchestrator.
type Negotiator interface {
	StartNudge(ctx context.Context, packageName string, overrunMinutes, nudgeCount int) (*negotiation.Result, error)
	Reply(ctx context.Context, userMessage string) (*negotiation.Result, error)
	InjectAssistantMessage(text string)
	End()
}

// KarmaRecorder is the scoring collaborator, satisfied by karma.Engine.
type KarmaRecorder interface {
	Get(ctx context.Context, packageName string) (*karma.Record, error)
	RecordOpened(ctx context.Context, packageName string) error
	RecordClosedOnTime(ctx context.Context, packageName string) (*karma.Record, error)
	RecordOverrun(ctx context.Context, packageName string) error
	Adjust(ctx context.Context, packageName string, delta int) (*karma.Record, error)
}

// Message is one line of the nudge conversation transcript.
type Message struct {
	Text      string `json:"text"`
	FromUser  bool   `json:"fromUser"`
	Timestamp int64  `json:"timestamp"`
}

// Snapshot is the controller's externally visible state.
type Snapshot struct {
	State       State      `json:"state"`
	PackageName string     `json:"packageName,omitempty"`
	NudgeCount  int        `json:"nudgeCount"`
	Messages    []Message  `json:"messages,omitempty"`
	Resumable   *Resumable `json:"resumable,omitempty"`
}

// Controller ties the timer, the nudge loop, the negotiation orchestrator
// and the karma engine into one session lifecycle.
//
// Lock order: the nudge handler runs under the nudger's mutex and
// re-enters c.mu, so c.mu is never held while the nudger's mutex is
// taken. The nudger and the machine are stopped, and their counters
// read, before c.mu is acquired.
//
// generation identifies one session lifetime. Stop bumps it before it
// stops the nudger, so an expiry tick racing Stop can detect under c.mu
// that the session it fired for is already gone.
type Controller struct {
	machine    *Machine
	nudger     *Nudger
	negotiator Negotiator
	karma      KarmaRecorder
	store      Store
	logger     *Logger
	cfg        *policy.Config

	mu                 sync.Mutex
	generation         int
	currentPackage     string
	startedAt          time.Time
	startScore         int
	aiExtensionGranted bool
	messages           []Message
}

// NewController creates a session controller and wires the machine's
// expiry handler.
func NewController(machine *Machine, negotiator Negotiator, karmaRecorder KarmaRecorder, store Store, logger *Logger, cfg *policy.Config) *Controller {
	c := &Controller{
		machine:    machine,
		nudger:     NewNudger(cfg.Nudge.Interval.Std()),
		negotiator: negotiator,
		karma:      karmaRecorder,
		store:      store,
		logger:     logger,
		cfg:        cfg,
	}
	machine.SetExpiryHandler(c.onExpired)
	return c
}

// Snapshot returns the current session state, transcript and any saved
// resumable session.
func (c *Controller) Snapshot(ctx context.Context) *Snapshot {
	resumable, err := c.store.GetResumable(ctx)
	if err != nil {
		logrus.Errorf("failed to load resumable session: %v", err)
	}

	// Collaborator state is read before c.mu: the nudge handler holds the
	// nudger's mutex while it re-enters c.mu, so asking the nudger for its
	// count from inside c.mu would invert the lock order.
	state := c.machine.State()
	nudgeCount := c.nudger.Count()

	c.mu.Lock()
	defer c.mu.Unlock()

	messages := make([]Message, len(c.messages))
	copy(messages, c.messages)

	return &Snapshot{
		State:       state,
		PackageName: c.currentPackage,
		NudgeCount:  nudgeCount,
		Messages:    messages,
		Resumable:   resumable,
	}
}

// Start begins a session for an app, replacing any running one. A
// non-positive duration falls back to the configured default. Any saved
// resumable session is consumed.
func (c *Controller) Start(ctx context.Context, packageName string, durationMinutes int) State {
	if durationMinutes <= 0 {
		durationMinutes = c.cfg.Timer.DefaultDurationMinutes
	}

	c.nudger.Stop()
	c.negotiator.End()

	if err := c.store.ClearResumable(ctx); err != nil {
		logrus.Errorf("failed to clear resumable session: %v", err)
	}

	startScore := 0
	if record, err := c.karma.Get(ctx, packageName); err == nil {
		startScore = record.Score
	}
	if err := c.karma.RecordOpened(ctx, packageName); err != nil {
		logrus.Errorf("failed to record app open for %s: %v", packageName, err)
	}

	c.mu.Lock()
	c.generation++
	c.currentPackage = packageName
	c.startedAt = time.Now()
	c.startScore = startScore
	c.aiExtensionGranted = false
	c.messages = nil
	c.mu.Unlock()

	c.logger.StartSession()
	c.logger.Log(fmt.Sprintf("Session timer started: **%d min** (%s)", durationMinutes, displayLabel(packageName)))

	metrics.SessionsStartedTotal.Inc()

	durationMs := int64(durationMinutes) * 60 * 1000
	c.machine.Start(durationMs)
	return Counting(durationMs, durationMs)
}

// Extend grants extra minutes. While counting, the budget grows; after
// expiry, the countdown restarts with the extension. The nudge loop stops
// either way.
func (c *Controller) Extend(ctx context.Context, minutes int) State {
	return c.extend(ctx, minutes, false)
}

func (c *Controller) extend(_ context.Context, minutes int, viaAI bool) State {
	c.nudger.Stop()

	c.mu.Lock()
	packageName := c.currentPackage
	if viaAI {
		c.aiExtensionGranted = true
	}
	c.mu.Unlock()

	c.logger.Log(fmt.Sprintf("Timer extended: **+%d min** for %s", minutes, displayLabel(packageName)))

	return c.machine.Extend(int64(minutes) * 60 * 1000)
}

// Stop ends the session, applies the closing karma outcome, writes the
// summary and tears down the nudge conversation. Returns the summary, or
// nil when no session was running.
func (c *Controller) Stop(ctx context.Context) *Summary {
	// The generation bump comes first: an expiry tick racing this Stop
	// re-checks the generation after arming the nudge loop, and the bump
	// preceding nudger.Stop guarantees it observes one of the two.
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()

	c.nudger.Stop()
	final := c.machine.Stop()
	c.negotiator.End()

	c.mu.Lock()
	packageName := c.currentPackage
	startedAt := c.startedAt
	startScore := c.startScore
	aiExtensionGranted := c.aiExtensionGranted
	c.currentPackage = ""
	c.aiExtensionGranted = false
	c.messages = nil
	c.mu.Unlock()

	if final.Phase == PhaseIdle || packageName == "" {
		return nil
	}

	label := displayLabel(packageName)
	graceMs := c.cfg.Timer.GraceWindow.Std().Milliseconds()

	outcome := "overrun"
	closedOnTime := false

	switch final.Phase {
	case PhaseCounting:
		closedOnTime = true
		outcome = "closed_on_time"
		if _, err := c.karma.RecordClosedOnTime(ctx, packageName); err != nil {
			logrus.Errorf("failed to record on-time close for %s: %v", packageName, err)
		}
		c.logger.Log(fmt.Sprintf("App closed on time: %s (karma +%d)", label, c.cfg.Karma.ClosedOnTime))

		remainingMinutes := common.TruncateMinutes(final.RemainingMs)
		if remainingMinutes >= 1 {
			resumable := &Resumable{
				PackageName:      packageName,
				RemainingMinutes: remainingMinutes,
				SavedAt:          time.Now().UnixMilli(),
			}
			if err := c.store.SaveResumable(ctx, resumable); err != nil {
				logrus.Errorf("failed to save resumable session: %v", err)
			} else {
				c.logger.Log(fmt.Sprintf("Saved resumable session: %s (%d min left)", label, remainingMinutes))
			}
		}

	case PhaseExpired:
		if final.OverrunMs <= graceMs {
			// Caught themselves quickly: partial recovery, same delta as an
			// on-time close but without the on-time counter.
			closedOnTime = true
			outcome = "grace_window"
			if _, err := c.karma.Adjust(ctx, packageName, c.cfg.Karma.ClosedOnTime); err != nil {
				logrus.Errorf("failed to record grace-window close for %s: %v", packageName, err)
			}
			c.logger.Log(fmt.Sprintf("App closed in grace window: %s (overrun %ds)", label, final.OverrunMs/1000))
		} else {
			c.logger.Log(fmt.Sprintf("App closed after overrun: %s (overrun %d min)", label, final.OverrunMs/60_000))
		}
	}

	endScore := startScore
	if record, err := c.karma.Get(ctx, packageName); err == nil {
		endScore = record.Score
	}

	endedAt := time.Now()
	summary := &Summary{
		ID:                 uuid.NewString(),
		PackageName:        packageName,
		StartedAt:          startedAt.UnixMilli(),
		EndedAt:            endedAt.UnixMilli(),
		DurationMs:         endedAt.Sub(startedAt).Milliseconds(),
		OverrunMs:          final.OverrunMs,
		ClosedOnTime:       closedOnTime,
		AIExtensionGranted: aiExtensionGranted,
		KarmaChange:        endScore - startScore,
	}
	if err := c.store.SaveSummary(ctx, summary); err != nil {
		logrus.Errorf("failed to save session summary: %v", err)
	}

	metrics.SessionsEndedTotal.WithLabelValues(outcome).Inc()
	logrus.Infof("session ended for %s: outcome=%s karmaChange=%d", packageName, outcome, summary.KarmaChange)
	return summary
}

// Reply routes a user message into the open nudge conversation. A granted
// extension ends the conversation and re-arms the timer.
func (c *Controller) Reply(ctx context.Context, text string) (*negotiation.Result, error) {
	c.appendMessage(text, true)
	c.logger.Log("User replied to nudge: " + truncate(text, 120))

	result, err := c.negotiator.Reply(ctx, text)
	if err != nil {
		// The remote transcript rolls a failed turn back; the local one
		// matches so the unanswered line does not linger in snapshots.
		c.dropLastUserMessage()
		return nil, fmt.Errorf("failed to handle nudge reply: %w", err)
	}

	c.appendMessage(result.ResponseText, false)
	c.logger.Log("AI responded: " + truncate(result.ResponseText, 120))

	if result.ExtensionMinutes > 0 {
		c.grantExtension(ctx, result.ExtensionMinutes)
	}
	return result, nil
}

func (c *Controller) grantExtension(ctx context.Context, minutes int) {
	c.logger.Log(fmt.Sprintf("AI granted extension: **%d min**", minutes))
	c.negotiator.End()
	c.extend(ctx, minutes, true)
}

// onExpired runs on the machine's tick goroutine when the budget hits
// zero: it arms the nudge loop and opens the nudge negotiation.
func (c *Controller) onExpired() {
	ctx := context.Background()

	c.mu.Lock()
	packageName := c.currentPackage
	gen := c.generation
	c.mu.Unlock()
	if packageName == "" {
		return
	}

	label := displayLabel(packageName)
	c.logger.Log(fmt.Sprintf("**Time's up!** Session timer expired (was using %s)", label))

	if !c.armNudgeLoop(packageName, gen) {
		return
	}

	result, err := c.negotiator.StartNudge(ctx, packageName, 0, 0)
	if err != nil {
		logrus.Errorf("failed to start nudge negotiation: %v", err)
		c.appendMessage("Time's up! Your session has ended.", false)
		return
	}

	c.appendMessage(result.ResponseText, false)
	if result.ExtensionMinutes > 0 {
		c.grantExtension(ctx, result.ExtensionMinutes)
	}
}

// armNudgeLoop starts the overrun loop for one session generation. A Stop
// racing the expiry tick may have torn the session down between the tick
// and this call; Stop bumps the generation before it stops the nudger, so
// a stale generation observed after arming means the freshly started loop
// belongs to a dead session and is stopped again. Reports whether the
// session is still live.
func (c *Controller) armNudgeLoop(packageName string, gen int) bool {
	ctx := context.Background()
	c.nudger.Start(func(count int, overrunMs int64) {
		c.onNudgeInterval(ctx, packageName, count, overrunMs)
	})

	c.mu.Lock()
	stale := gen != c.generation
	c.mu.Unlock()

	if stale {
		c.nudger.Stop()
		return false
	}
	return true
}

// onNudgeInterval fires once per overrun interval while the user stays on
// the app: the penalty lands, the overrun counter grows and an escalating
// reminder joins the transcript.
func (c *Controller) onNudgeInterval(ctx context.Context, packageName string, count int, overrunMs int64) {
	c.machine.SetOverrun(overrunMs)

	if _, err := c.karma.Adjust(ctx, packageName, c.cfg.Karma.PerNudgeIgnored); err != nil {
		logrus.Errorf("failed to apply nudge penalty for %s: %v", packageName, err)
	}
	if err := c.karma.RecordOverrun(ctx, packageName); err != nil {
		logrus.Errorf("failed to record overrun for %s: %v", packageName, err)
	}

	metrics.NudgesTotal.Inc()

	label := displayLabel(packageName)
	c.logger.Log(fmt.Sprintf("Nudge #%d for %s (overrun %d min)", count, label, overrunMs/60_000))

	message := nudgeMessage(label, count)
	c.appendMessage(message, false)
	c.negotiator.InjectAssistantMessage(message)
}

func (c *Controller) dropLastUserMessage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.messages); n > 0 && c.messages[n-1].FromUser {
		c.messages = c.messages[:n-1]
	}
}

func (c *Controller) appendMessage(text string, fromUser bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{
		Text:      text,
		FromUser:  fromUser,
		Timestamp: time.Now().UnixMilli(),
	})
}

// displayLabel derives a readable label from a package id.
func displayLabel(packageName string) string {
	if packageName == "" {
		return "your phone"
	}
	if idx := strings.LastIndex(packageName, "."); idx >= 0 && idx < len(packageName)-1 {
		return packageName[idx+1:]
	}
	return packageName
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
