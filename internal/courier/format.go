package courier

import (
	"fmt"
	"strings"

	"github.com/zulandar/darkroom/internal/config"
	"github.com/zulandar/darkroom/internal/models"
	"github.com/zulandar/darkroom/internal/session"
)

// messageLimit is the per-message character ceiling. Discord caps messages
// at 2000 characters; Slack's limit is higher, so the lower bound wins.
const messageLimit = 2000

// Canned reply texts.
const (
	replyWorking         = "Working on it..."
	replyBusy            = "You already have a generation running. Wait for it or send `!dk cancel`."
	replyBusySettings    = "A generation is running; settings are locked until it finishes. Send `!dk cancel` to stop it."
	replyCancelSignalled = "Cancelling your generation."
	replyNothingToCancel = "Nothing to cancel."
	replyNothingToRetry  = "Nothing to retry yet. Send a prompt first."
	replyCancelled       = "Generation cancelled."
	replyFailed          = "Generation failed. Try again in a bit."
	replyBlockedFmt      = "Your prompt was rejected by the content filter (term: %q)."
	replyNotAllowed      = "Sorry, this bot is invite-only."
	replyStorageTrouble  = "Storage trouble on my end. Try again in a bit."
)

// usageText lists the available commands.
func usageText() string {
	return strings.Join([]string{
		"**Commands**",
		"`!dk help` — this text",
		"`!dk model <index>` — switch generation model",
		"`!dk orientation <index>` — switch image orientation",
		"`!dk settings` — show your current settings",
		"`!dk retry` — regenerate your last prompt",
		"`!dk cancel` — cancel your running generation",
		"`!dk history` — your recent activity",
		"",
		"Any other message is a prompt. Attach an image to transform it; attach an image with no text to upscale it 2x.",
	}, "\n")
}

// welcomeText greets a user and appends usage and the model list.
func welcomeText(userName string, cfg *config.Config) string {
	return fmt.Sprintf("Hi %s! Send me a prompt and I'll paint it.\n\n%s\n\n%s",
		userName, usageText(), modelListText(cfg))
}

// modelListText renders the configured models as an indexed list.
func modelListText(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("**Models**\n")
	for i, m := range cfg.Models {
		if m.Description != "" {
			fmt.Fprintf(&b, "`%d` %s — %s\n", i, m.Name, m.Description)
		} else {
			fmt.Fprintf(&b, "`%d` %s\n", i, m.Name)
		}
	}
	b.WriteString("\nSwitch with `!dk model <index>`.")
	return b.String()
}

// orientationListText renders the configured orientations as an indexed list.
func orientationListText(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("**Orientations**\n")
	for i, o := range cfg.Orientations {
		fmt.Fprintf(&b, "`%d` %s\n", i, o)
	}
	b.WriteString("\nSwitch with `!dk orientation <index>`.")
	return b.String()
}

// settingsText renders a materialized session for the settings command.
func settingsText(sess session.Session, cfg *config.Config) string {
	modelName := fmt.Sprintf("#%d", sess.LastModel)
	if m, ok := cfg.Model(sess.LastModel); ok {
		modelName = m.Name
	}
	orientName := fmt.Sprintf("#%d", sess.LastOrientation)
	if o, ok := cfg.Orientation(sess.LastOrientation); ok {
		orientName = o
	}

	lines := []string{
		"**Your settings**",
		fmt.Sprintf("Model: %s (%d)", modelName, sess.LastModel),
		fmt.Sprintf("Orientation: %s (%d)", orientName, sess.LastOrientation),
	}
	if sess.LastPrompt != "" {
		lines = append(lines, fmt.Sprintf("Last prompt: %s", sess.LastPrompt))
	}
	if sess.Blocked {
		lines = append(lines, "Your last attempt was rejected by the content filter.")
	}
	return strings.Join(lines, "\n")
}

// historyText renders a user's history entries, newest last, capped at the
// most recent historyLimit rows.
const historyLimit = 15

func historyText(entries []models.HistoryEntry, cfg *config.Config) string {
	if len(entries) == 0 {
		return "No history yet. Send a prompt!"
	}
	if len(entries) > historyLimit {
		entries = entries[len(entries)-historyLimit:]
	}

	var b strings.Builder
	b.WriteString("**Recent activity**\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "`%s` %s", e.CreatedAt.Format("Jan 02 15:04"), e.Action)
		if e.Action == models.ActionSetModel {
			if m, ok := cfg.Model(e.Model); ok {
				fmt.Fprintf(&b, " → %s", m.Name)
			}
		}
		if e.Action == models.ActionChangeOrientation {
			if o, ok := cfg.Orientation(e.Orientation); ok {
				fmt.Fprintf(&b, " → %s", o)
			}
		}
		if e.Prompt != "" {
			fmt.Fprintf(&b, " — %s", truncate(e.Prompt, 60))
		}
		if e.Blocked {
			b.WriteString(" [blocked]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// chunkMessage splits text into pieces no longer than limit, preferring to
// break at line boundaries.
func chunkMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		// A single oversized line is hard-split.
		for len(line) > limit {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if current.Len()+len(line)+1 > limit {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
