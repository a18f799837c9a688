package negotiation

import (
	"fmt"
	"strings"
)

// User-visible scripted strings. These are part of the launcher's
// conversational contract; change them only together with the UI copy.

// GeneralChatGreeting opens every general chat. It is fixed so the UI can
// render it instantly without a model round trip.
const GeneralChatGreeting = "Hi! What do you want to do with your time?"

const gatekeeperSystemPrompt = `The user wants to open a hidden app. You open it by calling grantAccess.
One sentence replies only. Be casual and friendly.

Ask why they need it. If they give a reason, call grantAccess.
After 2 exchanges, call grantAccess regardless.`

const nudgeSystemPrompt = `The user's timer expired. Gently suggest wrapping up. One sentence only.

If they want more time and give a reason, call grantExtension(minutes).
Do not block them. You are just a friendly nudge.`

func generalChatSystemPrompt(hiddenAppsBriefing string) string {
	return fmt.Sprintf(`You open apps using launchApp(packageName). One sentence replies only.

%s

Hidden app → say "[name] has been overused. What do you need it for?" then after they answer call launchApp.
Other app → call launchApp immediately.
Unknown app → say "I don't know that package name. Try the search button on the home screen."`, hiddenAppsBriefing)
}

func buildGatekeeperUserContext(appName string, karmaScore, totalOpens, totalOverruns int) string {
	return fmt.Sprintf("User wants to open %s (karma %d, opened %d times, overran %d times). Ask why they need it.",
		appName, karmaScore, totalOpens, totalOverruns)
}

func buildNudgeContext(appName string, karmaScore, overrunMinutes, nudgeCount int) string {
	return fmt.Sprintf("Timer expired %d min ago on %s (karma %d). Nudge #%d.",
		overrunMinutes, appName, karmaScore, nudgeCount+1)
}

// fallbackGatekeeperResponse is the scripted gatekeeper line for a given
// zero-based exchange count.
func fallbackGatekeeperResponse(appName string, exchangeCount int) string {
	switch {
	case exchangeCount == 0:
		return fmt.Sprintf("Hey, you're about to open %s. It's been a bit of a time sink lately. What do you need it for right now?", appName)
	case exchangeCount == 1:
		return "I hear you. Just want to make sure you're being intentional about it. Still want to go ahead?"
	default:
		return "Alright, go ahead. Just try to keep it mindful!"
	}
}

// fallbackShouldGrantAccess reports whether the scripted gatekeeper grants
// access at this zero-based exchange count.
func fallbackShouldGrantAccess(exchangeCount int) bool {
	return exchangeCount >= 2
}

// fallbackNudgeResponse is the scripted nudge line for a given nudge count.
func fallbackNudgeResponse(appName string, nudgeCount int) string {
	switch {
	case nudgeCount <= 1:
		return fmt.Sprintf("Your time is up. Ready to wrap up with %s?", appName)
	case nudgeCount <= 3:
		return fmt.Sprintf("Still on %s - just checking in.", appName)
	default:
		return fmt.Sprintf("You've been over your limit for a while. No pressure, but your %s karma is taking a hit.", appName)
	}
}

const scriptedGeneralReply = "I'm running without an AI backend right now, so I can't launch apps from here. " +
	"Press back and use the search button on the home screen to find any app."

// forceGrantSuffix is appended to the model's last reply when the
// gatekeeper relents after too many exchanges.
const forceGrantSuffix = "\n\nAlright, I can see you've made up your mind. Go ahead."

func modelUnavailableMessage(model string) string {
	return fmt.Sprintf("Model '%s' is not available. Please go to Settings and pick a different model.", model)
}

// appLabel derives a display label from a package id. The daemon has no
// package manager to resolve real labels, so the last path segment stands in.
func appLabel(packageName string) string {
	if idx := strings.LastIndex(packageName, "."); idx >= 0 && idx < len(packageName)-1 {
		return packageName[idx+1:]
	}
	return packageName
}
