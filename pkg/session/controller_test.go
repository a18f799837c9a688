package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/mindfulhome/sessiond/pkg/karma"
	"github.com/mindfulhome/sessiond/pkg/negotiation"
	"github.com/mindfulhome/sessiond/pkg/policy"
)

// setupTestRedis creates a miniredis instance for testing
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

type fakeNegotiator struct {
	mu          sync.Mutex
	startResult *negotiation.Result
	replyResult *negotiation.Result
	replyErr    error
	startCalls  int
	endCalls    int
	injected    []string
	started     chan struct{}
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{
		startResult: &negotiation.Result{ResponseText: "Ready to wrap up?"},
		replyResult: &negotiation.Result{ResponseText: "Alright."},
		started:     make(chan struct{}, 4),
	}
}

func (f *fakeNegotiator) StartNudge(_ context.Context, _ string, _, _ int) (*negotiation.Result, error) {
	f.mu.Lock()
	f.startCalls++
	result := f.startResult
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	return result, nil
}

func (f *fakeNegotiator) Reply(_ context.Context, _ string) (*negotiation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	return f.replyResult, nil
}

func (f *fakeNegotiator) InjectAssistantMessage(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, text)
}

func (f *fakeNegotiator) End() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
}

func (f *fakeNegotiator) ends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endCalls
}

type controllerFixture struct {
	controller *Controller
	negotiator *fakeNegotiator
	engine     *karma.Engine
	store      Store
	cleanup    func()
}

// newControllerFixture wires a controller against miniredis. tickInterval
// and tickStepMs shape the machine so tests can run whole sessions in
// milliseconds.
func newControllerFixture(t *testing.T, cfg *policy.Config, tickInterval time.Duration, tickStepMs int64) *controllerFixture {
	client, mr := setupTestRedis(t)

	engine := karma.NewEngine(karma.NewRedisStore(client), cfg.Karma)
	store := NewRedisStore(client)
	negotiator := newFakeNegotiator()
	machine := NewMachineWithTick(tickInterval, tickStepMs)
	controller := NewController(machine, negotiator, engine, store, NewLogger(""), cfg)

	return &controllerFixture{
		controller: controller,
		negotiator: negotiator,
		engine:     engine,
		store:      store,
		cleanup:    func() { mr.Close() },
	}
}

func TestControllerStart_RecordsOpenAndClearsResumable(t *testing.T) {
	cfg := policy.Default()
	fx := newControllerFixture(t, cfg, time.Hour, 60_000)
	defer fx.cleanup()
	ctx := context.Background()

	const app = "com.instagram.android"

	if err := fx.store.SaveResumable(ctx, &Resumable{PackageName: app, RemainingMinutes: 7}); err != nil {
		t.Fatalf("SaveResumable() error = %v", err)
	}

	state := fx.controller.Start(ctx, app, 0)
	defer fx.controller.Stop(ctx)

	if state.Phase != PhaseCounting {
		t.Errorf("Phase = %s, expected counting", state.Phase)
	}
	wantMs := int64(cfg.Timer.DefaultDurationMinutes) * 60_000
	if state.TotalMs != wantMs {
		t.Errorf("TotalMs = %d, expected default duration %d", state.TotalMs, wantMs)
	}

	record, err := fx.engine.Get(ctx, app)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if record.TotalOpens != 1 {
		t.Errorf("TotalOpens = %d, expected 1", record.TotalOpens)
	}

	resumable, err := fx.store.GetResumable(ctx)
	if err != nil {
		t.Fatalf("GetResumable() error = %v", err)
	}
	if resumable != nil {
		t.Error("starting a session must consume the resumable slot")
	}
}

func TestControllerStop_OnTimeSavesResumable(t *testing.T) {
	cfg := policy.Default()
	fx := newControllerFixture(t, cfg, time.Hour, 60_000)
	defer fx.cleanup()
	ctx := context.Background()

	const app = "com.instagram.android"

	if _, err := fx.engine.Adjust(ctx, app, -5); err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}

	fx.controller.Start(ctx, app, 25)
	summary := fx.controller.Stop(ctx)
	if summary == nil {
		t.Fatal("Stop() returned nil summary")
	}

	if !summary.ClosedOnTime {
		t.Error("ClosedOnTime = false for a session stopped while counting")
	}
	if summary.KarmaChange != 1 {
		t.Errorf("KarmaChange = %d, expected the on-time recovery", summary.KarmaChange)
	}

	record, err := fx.engine.Get(ctx, app)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if record.Score != -4 {
		t.Errorf("Score = %d, expected -4", record.Score)
	}
	if record.ClosedOnTimeCount != 1 {
		t.Errorf("ClosedOnTimeCount = %d, expected 1", record.ClosedOnTimeCount)
	}

	resumable, err := fx.store.GetResumable(ctx)
	if err != nil {
		t.Fatalf("GetResumable() error = %v", err)
	}
	if resumable == nil {
		t.Fatal("no resumable session saved despite 25 minutes left")
	}
	if resumable.PackageName != app || resumable.RemainingMinutes != 25 {
		t.Errorf("resumable = %+v, expected 25 min for %s", resumable, app)
	}

	if fx.negotiator.ends() == 0 {
		t.Error("Stop() must end the negotiation")
	}

	summaries, err := fx.store.ListSummaries(ctx)
	if err != nil {
		t.Fatalf("ListSummaries() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Errorf("ListSummaries() = %d, expected 1", len(summaries))
	}
}

func TestControllerStop_WithoutSessionReturnsNil(t *testing.T) {
	fx := newControllerFixture(t, policy.Default(), time.Hour, 60_000)
	defer fx.cleanup()

	if summary := fx.controller.Stop(context.Background()); summary != nil {
		t.Errorf("Stop() = %+v, expected nil without a session", summary)
	}
}

func TestControllerStop_GraceWindowRecoversScore(t *testing.T) {
	cfg := policy.Default()
	// Nudges stay far away so the overrun at stop time is zero.
	cfg.Nudge.Interval = policy.Duration(time.Hour)
	fx := newControllerFixture(t, cfg, 2*time.Millisecond, 60_000)
	defer fx.cleanup()
	ctx := context.Background()

	const app = "com.instagram.android"

	if _, err := fx.engine.Adjust(ctx, app, -3); err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}

	fx.controller.Start(ctx, app, 1)

	select {
	case <-fx.negotiator.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never expired")
	}

	summary := fx.controller.Stop(ctx)
	if summary == nil {
		t.Fatal("Stop() returned nil summary")
	}
	if !summary.ClosedOnTime {
		t.Error("a close inside the grace window counts as on time")
	}

	record, err := fx.engine.Get(ctx, app)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if record.Score != -2 {
		t.Errorf("Score = %d, expected grace-window recovery to -2", record.Score)
	}
	if record.ClosedOnTimeCount != 0 {
		t.Errorf("ClosedOnTimeCount = %d, grace window must not bump the counter", record.ClosedOnTimeCount)
	}
}

func TestControllerExpiry_NudgeLoopPenalizes(t *testing.T) {
	cfg := policy.Default()
	cfg.Nudge.Interval = policy.Duration(10 * time.Millisecond)
	cfg.Timer.GraceWindow = policy.Duration(time.Millisecond)
	fx := newControllerFixture(t, cfg, 2*time.Millisecond, 60_000)
	defer fx.cleanup()
	ctx := context.Background()

	const app = "com.instagram.android"

	fx.controller.Start(ctx, app, 1)

	select {
	case <-fx.negotiator.started:
	case <-time.After(2 * time.Second):
		t.Fatal("nudge negotiation never started")
	}

	// Wait for at least one nudge interval to land its penalty.
	deadline := time.Now().Add(2 * time.Second)
	for {
		record, err := fx.engine.Get(ctx, app)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if record.Score <= -1 && record.TotalOverruns >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no nudge penalty landed, score=%d overruns=%d", record.Score, record.TotalOverruns)
		}
		time.Sleep(2 * time.Millisecond)
	}

	summary := fx.controller.Stop(ctx)
	if summary == nil {
		t.Fatal("Stop() returned nil summary")
	}
	if summary.ClosedOnTime {
		t.Error("an overrun past the grace window is not on time")
	}
	if summary.OverrunMs < 10 {
		t.Errorf("OverrunMs = %d, expected at least one interval", summary.OverrunMs)
	}
	if summary.KarmaChange >= 0 {
		t.Errorf("KarmaChange = %d, expected a net penalty", summary.KarmaChange)
	}

	fx.negotiator.mu.Lock()
	injected := len(fx.negotiator.injected)
	fx.negotiator.mu.Unlock()
	if injected == 0 {
		t.Error("nudge reminders were not injected into the conversation")
	}
}

func TestControllerReply_ExtensionRearmsTimer(t *testing.T) {
	cfg := policy.Default()
	cfg.Nudge.Interval = policy.Duration(time.Hour)
	// A slower tick keeps the re-armed timer from expiring again before
	// the assertions run.
	fx := newControllerFixture(t, cfg, 20*time.Millisecond, 60_000)
	defer fx.cleanup()
	ctx := context.Background()

	fx.negotiator.replyResult = &negotiation.Result{
		ResponseText:     "Okay, ten more minutes.",
		AccessGranted:    true,
		ExtensionMinutes: 10,
	}

	fx.controller.Start(ctx, "com.instagram.android", 1)

	select {
	case <-fx.negotiator.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never expired")
	}

	endsBefore := fx.negotiator.ends()
	result, err := fx.controller.Reply(ctx, "five more minutes please")
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if result.ExtensionMinutes != 10 {
		t.Errorf("ExtensionMinutes = %d, expected 10", result.ExtensionMinutes)
	}

	state := fx.controller.Snapshot(ctx).State
	if state.Phase != PhaseCounting {
		t.Errorf("Phase = %s, expected the timer re-armed", state.Phase)
	}
	if state.TotalMs != 600_000 {
		t.Errorf("TotalMs = %d, expected the extension as the whole budget", state.TotalMs)
	}

	if fx.negotiator.ends() <= endsBefore {
		t.Error("a granted extension must end the negotiation")
	}

	summary := fx.controller.Stop(ctx)
	if summary == nil {
		t.Fatal("Stop() returned nil summary")
	}
	if !summary.AIExtensionGranted {
		t.Error("AIExtensionGranted = false after an AI extension")
	}
}

func TestControllerSnapshot_DuringNudgeLoop(t *testing.T) {
	cfg := policy.Default()
	cfg.Nudge.Interval = policy.Duration(3 * time.Millisecond)
	cfg.Timer.GraceWindow = policy.Duration(time.Millisecond)
	fx := newControllerFixture(t, cfg, 2*time.Millisecond, 60_000)
	defer fx.cleanup()
	ctx := context.Background()

	const app = "com.instagram.android"

	fx.controller.Start(ctx, app, 1)

	select {
	case <-fx.negotiator.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never expired")
	}

	// Poll snapshots while nudge intervals fire; the poll must make
	// progress against in-flight nudge handlers.
	polled := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			fx.controller.Snapshot(ctx)
		}
		close(polled)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		record, err := fx.engine.Get(ctx, app)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if record.Score <= -2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("nudge penalties stalled, score=%d", record.Score)
		}
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("Snapshot blocked against the nudge loop")
	}

	fx.controller.Stop(ctx)
}

func TestControllerStop_RacingExpiryDoesNotRearmNudges(t *testing.T) {
	cfg := policy.Default()
	cfg.Nudge.Interval = policy.Duration(5 * time.Millisecond)
	fx := newControllerFixture(t, cfg, time.Hour, 60_000)
	defer fx.cleanup()
	ctx := context.Background()

	const app = "com.instagram.android"

	fx.controller.Start(ctx, app, 25)

	// Replay the race: the expiry tick reads the session and is preempted
	// before arming the nudge loop, then a full Stop completes.
	fx.controller.mu.Lock()
	gen := fx.controller.generation
	fx.controller.mu.Unlock()

	if summary := fx.controller.Stop(ctx); summary == nil {
		t.Fatal("Stop() returned nil summary")
	}

	if fx.controller.armNudgeLoop(app, gen) {
		t.Error("nudge loop armed for a stopped session")
	}

	// No interval may land a penalty after Stop returned.
	time.Sleep(25 * time.Millisecond)

	record, err := fx.engine.Get(ctx, app)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if record.Score != 0 {
		t.Errorf("Score = %d, a late nudge penalty landed", record.Score)
	}
	if record.TotalOverruns != 0 {
		t.Errorf("TotalOverruns = %d, expected 0", record.TotalOverruns)
	}
	if count := fx.controller.nudger.Count(); count != 0 {
		t.Errorf("nudger Count() = %d after Stop, expected 0", count)
	}
}

func TestControllerReply_FailedTurnRollsBackTranscript(t *testing.T) {
	cfg := policy.Default()
	cfg.Nudge.Interval = policy.Duration(time.Hour)
	fx := newControllerFixture(t, cfg, 2*time.Millisecond, 60_000)
	defer fx.cleanup()
	ctx := context.Background()

	fx.controller.Start(ctx, "com.instagram.android", 1)

	select {
	case <-fx.negotiator.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never expired")
	}

	fx.negotiator.mu.Lock()
	fx.negotiator.replyErr = errors.New("backend unreachable")
	fx.negotiator.mu.Unlock()

	if _, err := fx.controller.Reply(ctx, "five more minutes"); err == nil {
		t.Fatal("Reply() expected error")
	}

	snapshot := fx.controller.Snapshot(ctx)
	for _, msg := range snapshot.Messages {
		if msg.FromUser {
			t.Errorf("failed turn left user message in transcript: %q", msg.Text)
		}
	}

	// A later successful turn appends both sides again.
	fx.negotiator.mu.Lock()
	fx.negotiator.replyErr = nil
	fx.negotiator.mu.Unlock()

	if _, err := fx.controller.Reply(ctx, "okay, wrapping up"); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	snapshot = fx.controller.Snapshot(ctx)
	n := len(snapshot.Messages)
	if n < 3 {
		t.Fatalf("transcript has %d messages, expected opener plus a full turn", n)
	}
	if !snapshot.Messages[n-2].FromUser || snapshot.Messages[n-1].FromUser {
		t.Error("transcript does not end with a user turn and its reply")
	}

	fx.controller.Stop(ctx)
}

func TestControllerSnapshot_CarriesTranscript(t *testing.T) {
	cfg := policy.Default()
	cfg.Nudge.Interval = policy.Duration(time.Hour)
	fx := newControllerFixture(t, cfg, 2*time.Millisecond, 60_000)
	defer fx.cleanup()
	ctx := context.Background()

	fx.controller.Start(ctx, "com.instagram.android", 1)

	select {
	case <-fx.negotiator.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never expired")
	}

	if _, err := fx.controller.Reply(ctx, "just a minute"); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	snapshot := fx.controller.Snapshot(ctx)
	if len(snapshot.Messages) < 3 {
		t.Fatalf("transcript has %d messages, expected opener, user turn and reply", len(snapshot.Messages))
	}
	if snapshot.Messages[0].FromUser {
		t.Error("the opener must come from the assistant")
	}
	if !snapshot.Messages[1].FromUser {
		t.Error("the second message must be the user's")
	}

	fx.controller.Stop(ctx)
}
