package negotiation

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/mindfulhome/sessiond/pkg/backend"
	"github.com/mindfulhome/sessiond/pkg/karma"
	"github.com/mindfulhome/sessiond/pkg/metrics"
	"github.com/mindfulhome/sessiond/pkg/policy"
)

// Kind identifies what a negotiation is about.
type Kind string

const (
	// KindGatekeeper negotiates access to a hidden app.
	KindGatekeeper Kind = "gatekeeper"
	// KindNudge negotiates extra time after a timer expired.
	KindNudge Kind = "nudge"
	// KindGeneral is the open-ended assistant chat.
	KindGeneral Kind = "general"
)

// Transport is how negotiation turns are produced.
type Transport string

const (
	// TransportRemote uses the remote negotiation service.
	TransportRemote Transport = "remote"
	// TransportOnDevice uses the local model runtime.
	TransportOnDevice Transport = "ondevice"
	// TransportScripted uses the hardcoded response tables.
	TransportScripted Transport = "scripted"
)

// Result is the outcome of one negotiation turn.
type Result struct {
	ResponseText     string `json:"responseText"`
	AccessGranted    bool   `json:"accessGranted"`
	ExtensionMinutes int    `json:"extensionMinutes"`
	LaunchedPackage  string `json:"launchedPackage,omitempty"`
}

// RemoteGenerator is the remote-transport collaborator, satisfied by
// backend.TokenManager.
type RemoteGenerator interface {
	HasToken(ctx context.Context) bool
	Generate(ctx context.Context, model string, contents []backend.Content, tools []map[string]any) (*backend.GenerateResponse, error)
}

// KarmaReader supplies the karma context woven into prompts, satisfied by
// karma.Engine.
type KarmaReader interface {
	Get(ctx context.Context, packageName string) (*karma.Record, error)
	Hidden(ctx context.Context) ([]*karma.Record, error)
}

// Orchestrator runs at most one negotiation at a time. The transport is
// picked when the negotiation starts and never upgraded mid-conversation;
// a transport failure mid-conversation downgrades to scripted for the
// remainder. Remote tool-call outcomes and the scripted tables both feed
// the same Result shape, so callers never branch on transport.
type Orchestrator struct {
	remote  RemoteGenerator
	runtime *LocalRuntime
	karma   KarmaReader
	cfg     policy.NegotiationConfig

	mu            sync.Mutex
	kind          Kind
	transport     Transport
	exchangeCount int
	appPackage    string
	model         string
	history       []backend.Content
	tools         []map[string]any
	conv          *Conversation
}

// NewOrchestrator creates a negotiation orchestrator. remote and runtime
// may each be nil; the scripted tables always remain available.
func NewOrchestrator(remote RemoteGenerator, runtime *LocalRuntime, karmaReader KarmaReader, cfg policy.NegotiationConfig) *Orchestrator {
	return &Orchestrator{
		remote:  remote,
		runtime: runtime,
		karma:   karmaReader,
		cfg:     cfg,
		model:   cfg.DefaultModel,
	}
}

// Kind returns the kind of the negotiation in progress, or "" when idle.
func (o *Orchestrator) Kind() Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.kind
}

// StartGatekeeper opens a negotiation for access to a hidden app and
// returns its opening turn.
func (o *Orchestrator) StartGatekeeper(ctx context.Context, packageName string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.resetLocked()
	o.kind = KindGatekeeper
	o.appPackage = packageName

	record := o.karmaRecord(ctx, packageName)
	name := appLabel(packageName)
	userContext := buildGatekeeperUserContext(name, record.Score, record.TotalOpens, record.TotalOverruns)

	if o.remoteAvailable(ctx) {
		result, err := o.startRemoteLocked(ctx, gatekeeperSystemPrompt, userContext, gatekeeperTools())
		if err == nil {
			return result, nil
		}
		if backend.IsModelNotFound(err) {
			return &Result{ResponseText: modelUnavailableMessage(o.model)}, nil
		}
		logrus.Warnf("remote gatekeeper start failed, using scripted responses: %v", err)
	}

	o.beginScriptedLocked()
	o.exchangeCount++
	return &Result{
		ResponseText:  fallbackGatekeeperResponse(name, o.exchangeCount-1),
		AccessGranted: fallbackShouldGrantAccess(o.exchangeCount - 1),
	}, nil
}

// StartNudge opens a negotiation after a timer expired and returns its
// opening turn.
func (o *Orchestrator) StartNudge(ctx context.Context, packageName string, overrunMinutes, nudgeCount int) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.resetLocked()
	o.kind = KindNudge
	o.appPackage = packageName

	record := o.karmaRecord(ctx, packageName)
	name := appLabel(packageName)
	userContext := buildNudgeContext(name, record.Score, overrunMinutes, nudgeCount)

	if o.remoteAvailable(ctx) {
		result, err := o.startRemoteLocked(ctx, nudgeSystemPrompt, userContext, nudgeTools())
		if err == nil {
			return result, nil
		}
		if backend.IsModelNotFound(err) {
			return &Result{ResponseText: modelUnavailableMessage(o.model)}, nil
		}
		logrus.Warnf("remote nudge start failed, using scripted responses: %v", err)
	}

	o.beginScriptedLocked()
	o.exchangeCount++
	return &Result{ResponseText: fallbackNudgeResponse(name, nudgeCount)}, nil
}

// StartGeneral opens the assistant chat. No model call happens here: the
// fixed greeting is returned immediately and seeded into the transcript as
// the first model turn.
func (o *Orchestrator) StartGeneral(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.resetLocked()
	o.kind = KindGeneral

	systemPrompt := generalChatSystemPrompt(o.hiddenAppsBriefing(ctx))

	switch {
	case o.remoteAvailable(ctx):
		o.transport = TransportRemote
		o.tools = generalChatTools()
		o.history = []backend.Content{
			backend.UserContent(systemPrompt),
			backend.ModelContent(GeneralChatGreeting),
		}
	case o.runtime.Ready():
		o.transport = TransportOnDevice
		o.conv = o.runtime.CreateConversation(systemPrompt, []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleAssistant, Content: GeneralChatGreeting},
		})
	default:
		o.transport = TransportScripted
	}

	metrics.NegotiationsTotal.WithLabelValues(string(o.kind), string(o.transport)).Inc()
	return GeneralChatGreeting, nil
}

// Reply routes one user message through the active transport and returns
// the next turn.
func (o *Orchestrator) Reply(ctx context.Context, userMessage string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.kind == "" {
		return nil, fmt.Errorf("no negotiation in progress")
	}

	if o.transport == TransportRemote {
		result, err := o.remoteReplyLocked(ctx, userMessage)
		if err == nil {
			return result, nil
		}
		if backend.IsModelNotFound(err) {
			return &Result{ResponseText: modelUnavailableMessage(o.model)}, nil
		}
		logrus.Errorf("remote reply failed, downgrading to scripted responses: %v", err)
		o.transport = TransportScripted
	}

	if o.transport == TransportOnDevice {
		result, err := o.onDeviceReplyLocked(ctx, userMessage)
		if err == nil {
			return result, nil
		}
		logrus.Errorf("on-device reply failed, downgrading to scripted responses: %v", err)
		o.transport = TransportScripted
	}

	return o.scriptedReplyLocked(), nil
}

// InjectAssistantMessage appends a system-originated line to the open
// transcript so the model sees the nudges it did not itself produce.
func (o *Orchestrator) InjectAssistantMessage(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.transport {
	case TransportRemote:
		o.history = append(o.history, backend.ModelContent(text))
	case TransportOnDevice:
		if o.conv != nil {
			o.conv.messages = append(o.conv.messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: text,
			})
		}
	}
}

// End tears down the negotiation. Safe to call when none is in progress.
func (o *Orchestrator) End() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
}

func (o *Orchestrator) resetLocked() {
	if o.conv != nil {
		o.conv.Close()
	}
	o.kind = ""
	o.transport = ""
	o.exchangeCount = 0
	o.appPackage = ""
	o.history = nil
	o.tools = nil
	o.conv = nil
}

func (o *Orchestrator) remoteAvailable(ctx context.Context) bool {
	return o.remote != nil && o.remote.HasToken(ctx)
}

func (o *Orchestrator) beginScriptedLocked() {
	o.transport = TransportScripted
	metrics.NegotiationsTotal.WithLabelValues(string(o.kind), string(o.transport)).Inc()
}

// karmaRecord loads the record for prompt context. A store failure is not
// worth blocking the negotiation over; zeros stand in.
func (o *Orchestrator) karmaRecord(ctx context.Context, packageName string) *karma.Record {
	record, err := o.karma.Get(ctx, packageName)
	if err != nil {
		logrus.Warnf("failed to load karma for %s, using zero context: %v", packageName, err)
		return karma.NewRecord(packageName)
	}
	return record
}

func (o *Orchestrator) hiddenAppsBriefing(ctx context.Context) string {
	hidden, err := o.karma.Hidden(ctx)
	if err != nil {
		logrus.Errorf("failed to load hidden apps for briefing: %v", err)
		hidden = nil
	}
	if len(hidden) == 0 {
		return "No apps are currently hidden."
	}

	briefing := "Currently hidden apps:"
	for _, record := range hidden {
		briefing += fmt.Sprintf("\n- %s (%s), karma: %d",
			appLabel(record.PackageName), record.PackageName, record.Score)
	}
	return briefing
}

// startRemoteLocked opens a remote conversation: the system prompt and the
// first user context go out as a single user turn.
func (o *Orchestrator) startRemoteLocked(ctx context.Context, systemPrompt, userContext string, tools []map[string]any) (*Result, error) {
	o.transport = TransportRemote
	o.tools = tools
	o.history = []backend.Content{backend.UserContent(systemPrompt + "\n\n" + userContext)}

	resp, err := o.remote.Generate(ctx, o.model, o.history, o.tools)
	if err != nil {
		return nil, err
	}

	o.exchangeCount++
	o.history = append(o.history, backend.ModelContent(resp.Result))

	metrics.NegotiationsTotal.WithLabelValues(string(o.kind), string(o.transport)).Inc()
	return o.parseRemoteResult(resp.Result, resp.FunctionCalls), nil
}

// remoteReplyLocked runs one remote turn. The endpoint is stateless, so
// the full history goes out each call; on failure the just-appended user
// turn is popped so the transcript stays consistent for the fallback.
func (o *Orchestrator) remoteReplyLocked(ctx context.Context, userMessage string) (*Result, error) {
	o.history = append(o.history, backend.UserContent(userMessage))

	resp, err := o.remote.Generate(ctx, o.model, o.history, o.tools)
	if err != nil {
		if n := len(o.history); n > 0 && o.history[n-1].Role == "user" {
			o.history = o.history[:n-1]
		}
		return nil, err
	}

	o.exchangeCount++
	o.history = append(o.history, backend.ModelContent(resp.Result))

	result := o.parseRemoteResult(resp.Result, resp.FunctionCalls)

	if o.kind == KindGatekeeper && o.exchangeCount >= o.cfg.ForceGrantExchanges && !result.AccessGranted {
		return &Result{
			ResponseText:  resp.Result + forceGrantSuffix,
			AccessGranted: true,
		}, nil
	}

	return result, nil
}

// onDeviceReplyLocked runs one local turn. The local model cannot call
// tools, so only the gatekeeper relent rule can grant anything here.
func (o *Orchestrator) onDeviceReplyLocked(ctx context.Context, userMessage string) (*Result, error) {
	if o.conv == nil || !o.runtime.Ready() {
		return nil, fmt.Errorf("local conversation unavailable")
	}

	text, err := o.conv.SendMessage(ctx, userMessage)
	if err != nil {
		return nil, err
	}
	o.exchangeCount++

	if o.kind == KindGatekeeper && o.exchangeCount >= o.cfg.ForceGrantExchanges {
		return &Result{
			ResponseText:  text + forceGrantSuffix,
			AccessGranted: true,
		}, nil
	}

	return &Result{ResponseText: text}, nil
}

func (o *Orchestrator) scriptedReplyLocked() *Result {
	o.exchangeCount++
	name := appLabel(o.appPackage)

	switch o.kind {
	case KindGatekeeper:
		return &Result{
			ResponseText:  fallbackGatekeeperResponse(name, o.exchangeCount-1),
			AccessGranted: fallbackShouldGrantAccess(o.exchangeCount - 1),
		}
	case KindNudge:
		return &Result{ResponseText: fallbackNudgeResponse(name, o.exchangeCount-1)}
	default:
		return &Result{ResponseText: scriptedGeneralReply}
	}
}

// parseRemoteResult maps the model's tool calls onto a Result. The first
// recognized call wins; fillers cover a blank reply text.
func (o *Orchestrator) parseRemoteResult(text string, functionCalls []backend.FunctionCall) *Result {
	for _, fc := range functionCalls {
		switch fc.Name {
		case "grantAccess":
			return &Result{
				ResponseText:  textOr(text, "Opening the app for you."),
				AccessGranted: true,
			}
		case "grantExtension":
			minutes := fc.IntArg("minutes", 10)
			return &Result{
				ResponseText:     textOr(text, fmt.Sprintf("Extending your time by %d minutes.", minutes)),
				ExtensionMinutes: minutes,
				AccessGranted:    true,
			}
		case "launchApp":
			return &Result{
				ResponseText:    textOr(text, "Launching the app."),
				LaunchedPackage: fc.StringArg("packageName"),
			}
		}
	}

	return &Result{ResponseText: text}
}

func textOr(text, fallback string) string {
	if text == "" {
		return fallback
	}
	return text
}
