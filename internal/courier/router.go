package courier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/zulandar/darkroom/internal/config"
	"github.com/zulandar/darkroom/internal/history"
	"github.com/zulandar/darkroom/internal/models"
	"github.com/zulandar/darkroom/internal/session"
	"github.com/zulandar/darkroom/internal/task"
	"github.com/zulandar/darkroom/internal/translate"
)

// commandPrefix is the prefix that triggers command handling. Any other
// non-empty message is treated as a generation prompt.
const commandPrefix = "!dk"

// Router classifies inbound chat messages and routes them: "!dk" commands
// to their handlers, everything else to the generation pipeline. Handle is
// safe for concurrent use; the controller's single-flight gate serializes
// per user, not per router.
type Router struct {
	controller *task.Controller
	sessions   *session.Store
	hist       *history.Log
	translator translate.Translator
	adapter    Adapter
	cfg        *config.Config
	botUserID  string
	allowed    map[string]bool // platform user IDs; empty = everyone
	out        io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Controller *task.Controller
	Sessions   *session.Store
	History    *history.Log
	Translator translate.Translator
	Adapter    Adapter
	Config     *config.Config
	BotUserID  string    // bot's user ID for self-message filtering
	Out        io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("courier: router: controller is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("courier: router: session store is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("courier: router: history log is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("courier: router: adapter is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("courier: router: config is required")
	}
	translator := opts.Translator
	if translator == nil {
		translator = translate.Noop{}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	allowed := make(map[string]bool, len(opts.Config.AllowedUsers))
	for _, id := range opts.Config.AllowedUsers {
		allowed[id] = true
	}
	return &Router{
		controller: opts.Controller,
		sessions:   opts.Sessions,
		hist:       opts.History,
		translator: translator,
		adapter:    opts.Adapter,
		cfg:        opts.Config,
		botUserID:  opts.BotUserID,
		allowed:    allowed,
		out:        out,
	}, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message → ignore
//  2. User not on the allow-list → refusal
//  3. "!dk ..." → command handler
//  4. Non-empty text or attachment → generation request
//  5. Everything else → ignore
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}

	text := strings.TrimSpace(msg.Text)
	fmt.Fprintf(r.out, "courier: router: recv [ch=%s user=%s] %q\n",
		msg.ChannelID, msg.UserName, truncate(text, 80))

	if len(r.allowed) > 0 && !r.allowed[msg.UserID] {
		fmt.Fprintf(r.out, "courier: router: → refused (not on allow-list)\n")
		r.reply(ctx, msg, replyNotAllowed)
		return
	}

	if isCommand(text) {
		fmt.Fprintf(r.out, "courier: router: → command\n")
		r.handleCommand(ctx, msg, text)
		return
	}

	if text != "" || len(msg.Attachment) > 0 {
		fmt.Fprintf(r.out, "courier: router: → generation\n")
		r.handleGeneration(ctx, msg, text)
		return
	}

	fmt.Fprintf(r.out, "courier: router: → ignore (empty message)\n")
}

// handleCommand dispatches a "!dk" command and sends the response.
func (r *Router) handleCommand(ctx context.Context, msg InboundMessage, text string) {
	args := strings.Fields(text)[1:] // drop the "!dk" prefix
	if len(args) == 0 {
		r.reply(ctx, msg, usageText())
		return
	}

	switch args[0] {
	case "help", "start":
		r.cmdStart(ctx, msg)
	case "retry":
		r.cmdRetry(ctx, msg)
	case "cancel":
		r.cmdCancel(ctx, msg)
	case "model":
		r.cmdModel(ctx, msg, args[1:])
	case "orientation":
		r.cmdOrientation(ctx, msg, args[1:])
	case "settings":
		r.cmdSettings(ctx, msg)
	case "history":
		r.cmdHistory(ctx, msg)
	default:
		r.reply(ctx, msg, fmt.Sprintf("Unknown command %q.\n\n%s", args[0], usageText()))
	}
}

// cmdStart sends the welcome text and lazily registers the user: the first
// contact appends a "start" entry so the session replays to the defaults it
// establishes.
func (r *Router) cmdStart(ctx context.Context, msg InboundMessage) {
	userID := UserKey(msg.Platform, msg.UserID)

	seen, err := r.hist.Seen(userID)
	if err != nil {
		log.Printf("courier: router: check registration for %s: %v", msg.UserName, err)
		r.reply(ctx, msg, replyStorageTrouble)
		return
	}
	if !seen {
		_, err := r.hist.Append(&models.HistoryEntry{
			Action:   models.ActionStart,
			UserID:   userID,
			UserName: msg.UserName,
		})
		if err != nil {
			log.Printf("courier: router: register %s: %v", msg.UserName, err)
			r.reply(ctx, msg, replyStorageTrouble)
			return
		}
	}

	r.reply(ctx, msg, welcomeText(msg.UserName, r.cfg))
}

// cmdRetry resubmits the user's last prompt with their current settings.
func (r *Router) cmdRetry(ctx context.Context, msg InboundMessage) {
	userID := UserKey(msg.Platform, msg.UserID)

	if r.controller.Busy(userID) {
		r.reply(ctx, msg, replyBusy)
		return
	}

	sess, err := r.sessions.Get(userID)
	if err != nil {
		log.Printf("courier: router: materialize session for %s: %v", msg.UserName, err)
		r.reply(ctx, msg, replyStorageTrouble)
		return
	}
	if sess.LastPrompt == "" {
		r.reply(ctx, msg, replyNothingToRetry)
		return
	}

	r.submit(ctx, msg, task.Request{
		Kind:        models.ActionTxt2Img,
		UserID:      userID,
		UserName:    msg.UserName,
		Prompt:      sess.LastPrompt,
		Model:       sess.LastModel,
		Orientation: sess.LastOrientation,
	})
}

// cmdCancel signals the user's in-flight generation.
func (r *Router) cmdCancel(ctx context.Context, msg InboundMessage) {
	userID := UserKey(msg.Platform, msg.UserID)
	if r.controller.Cancel(userID) {
		r.reply(ctx, msg, replyCancelSignalled)
		return
	}
	r.reply(ctx, msg, replyNothingToCancel)
}

// cmdModel switches the user's active model by appending a set_model entry.
// The entry carries -1 for the orientation column so materialization skips
// past it when resolving that field.
func (r *Router) cmdModel(ctx context.Context, msg InboundMessage, args []string) {
	userID := UserKey(msg.Platform, msg.UserID)

	if r.controller.Busy(userID) {
		r.reply(ctx, msg, replyBusySettings)
		return
	}

	index, ok := parseIndex(args)
	if !ok {
		r.reply(ctx, msg, modelListText(r.cfg))
		return
	}
	model, ok := r.cfg.Model(index)
	if !ok {
		r.reply(ctx, msg, fmt.Sprintf("No model %d.\n\n%s", index, modelListText(r.cfg)))
		return
	}

	_, err := r.hist.Append(&models.HistoryEntry{
		Action:      models.ActionSetModel,
		Model:       index,
		Orientation: -1,
		UserID:      userID,
		UserName:    msg.UserName,
	})
	if err != nil {
		log.Printf("courier: router: set model for %s: %v", msg.UserName, err)
		r.reply(ctx, msg, replyStorageTrouble)
		return
	}

	r.reply(ctx, msg, fmt.Sprintf("Model switched to **%s**.", model.Name))
}

// cmdOrientation switches the user's active orientation by appending a
// change_orientation entry (-1 model column, same sentinel rule).
func (r *Router) cmdOrientation(ctx context.Context, msg InboundMessage, args []string) {
	userID := UserKey(msg.Platform, msg.UserID)

	if r.controller.Busy(userID) {
		r.reply(ctx, msg, replyBusySettings)
		return
	}

	index, ok := parseIndex(args)
	if !ok {
		r.reply(ctx, msg, orientationListText(r.cfg))
		return
	}
	name, ok := r.cfg.Orientation(index)
	if !ok {
		r.reply(ctx, msg, fmt.Sprintf("No orientation %d.\n\n%s", index, orientationListText(r.cfg)))
		return
	}

	_, err := r.hist.Append(&models.HistoryEntry{
		Action:      models.ActionChangeOrientation,
		Model:       -1,
		Orientation: index,
		UserID:      userID,
		UserName:    msg.UserName,
	})
	if err != nil {
		log.Printf("courier: router: set orientation for %s: %v", msg.UserName, err)
		r.reply(ctx, msg, replyStorageTrouble)
		return
	}

	r.reply(ctx, msg, fmt.Sprintf("Orientation switched to **%s**.", name))
}

// cmdSettings shows the user's materialized session.
func (r *Router) cmdSettings(ctx context.Context, msg InboundMessage) {
	userID := UserKey(msg.Platform, msg.UserID)

	sess, err := r.sessions.Get(userID)
	if err != nil {
		log.Printf("courier: router: materialize session for %s: %v", msg.UserName, err)
		r.reply(ctx, msg, replyStorageTrouble)
		return
	}

	r.reply(ctx, msg, settingsText(sess, r.cfg))
}

// cmdHistory shows the user's recent history entries.
func (r *Router) cmdHistory(ctx context.Context, msg InboundMessage) {
	userID := UserKey(msg.Platform, msg.UserID)

	entries, err := r.hist.ForUser(userID)
	if err != nil {
		log.Printf("courier: router: history for %s: %v", msg.UserName, err)
		r.reply(ctx, msg, replyStorageTrouble)
		return
	}

	r.reply(ctx, msg, historyText(entries, r.cfg))
}

// handleGeneration turns a plain message into a generation request. An
// attached image with a prompt is img2img, an attached image alone is a 2x
// rescale, bare text is txt2img. The prompt is translated first so the
// moderation screen inside the controller sees the backend's language.
func (r *Router) handleGeneration(ctx context.Context, msg InboundMessage, text string) {
	userID := UserKey(msg.Platform, msg.UserID)

	kind := models.ActionTxt2Img
	if len(msg.Attachment) > 0 {
		if text == "" {
			kind = models.ActionRescale
		} else {
			kind = models.ActionImg2Img
		}
	}

	prompt := text
	if kind != models.ActionRescale && prompt != "" {
		translated, err := r.translator.Translate(ctx, prompt)
		if err != nil {
			// Best-effort: the untranslated prompt still generates something.
			log.Printf("courier: router: translate for %s: %v", msg.UserName, err)
		} else {
			prompt = translated
		}
	}

	sess, err := r.sessions.Get(userID)
	if err != nil {
		log.Printf("courier: router: materialize session for %s: %v", msg.UserName, err)
		r.reply(ctx, msg, replyStorageTrouble)
		return
	}

	r.submit(ctx, msg, task.Request{
		Kind:        kind,
		UserID:      userID,
		UserName:    msg.UserName,
		Prompt:      prompt,
		Model:       sess.LastModel,
		Orientation: sess.LastOrientation,
		InitImage:   msg.Attachment,
	})
}

// submit runs one generation attempt and replies per terminal outcome.
// Every Outcome kind gets a reply; the user is never left waiting on a
// failure they cannot see.
func (r *Router) submit(ctx context.Context, msg InboundMessage, req task.Request) {
	r.reply(ctx, msg, replyWorking)

	outcome, err := r.controller.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, task.ErrBusy) {
			r.reply(ctx, msg, replyBusy)
			return
		}
		log.Printf("courier: router: submit for %s: %v", msg.UserName, err)
		r.reply(ctx, msg, replyFailed)
		return
	}

	switch outcome.Kind {
	case task.Completed:
		files := make([]File, len(outcome.Artifacts))
		for i, a := range outcome.Artifacts {
			files[i] = File{Name: a.Name, Data: a.PNG}
		}
		r.send(ctx, OutboundMessage{
			ChannelID: msg.ChannelID,
			Text:      fmt.Sprintf("Done, %s.", msg.UserName),
			Files:     files,
		})
	case task.Cancelled:
		r.reply(ctx, msg, replyCancelled)
	case task.Blocked:
		r.reply(ctx, msg, fmt.Sprintf(replyBlockedFmt, outcome.Term))
	case task.Failed:
		// Backend vs storage failure is distinguished in the logs only.
		r.reply(ctx, msg, replyFailed)
	}
}

// reply sends a plain-text response to the message's channel, chunked to
// the platform message limit.
func (r *Router) reply(ctx context.Context, msg InboundMessage, text string) {
	for _, chunk := range chunkMessage(text, messageLimit) {
		r.send(ctx, OutboundMessage{ChannelID: msg.ChannelID, Text: chunk})
	}
}

func (r *Router) send(ctx context.Context, msg OutboundMessage) {
	if err := r.adapter.Send(ctx, msg); err != nil {
		log.Printf("courier: router: send: %v", err)
	}
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

// isCommand returns true if the text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(text, commandPrefix+" ") || text == commandPrefix
}

// parseIndex extracts a non-negative index argument.
func parseIndex(args []string) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
