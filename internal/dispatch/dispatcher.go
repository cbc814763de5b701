// Package dispatch routes normalized mesh messages to command plugins,
// enforcing the gate chain between a matched keyword and an actual send.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/command"
	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/i18n"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/ratelimit"
)

const (
	// settleDelay separates command execution from the response send, giving
	// the radio a beat to finish RX-side work on busy links.
	settleDelay = 100 * time.Millisecond

	// requeueRecentWindow: a user who just ran a command does not get their
	// throttled follow-up queued, they get silence.
	requeueRecentWindow = 3 * time.Second
)

// Responder delivers the dispatcher's answers back to the mesh.
type Responder interface {
	SendDM(ctx context.Context, pubkey, text string) error
	SendChannel(ctx context.Context, channel, text string) error
}

// CommandCapture mirrors executed commands into the packet stream.
type CommandCapture interface {
	Command(name string, msg *domain.MeshMessage, response string, success bool)
}

type Dispatcher struct {
	log        *slog.Logger
	registry   *command.Registry
	translator *i18n.Translator
	formatter  *Formatter
	internet   *InternetChecker
	responder  Responder
	perUser    *ratelimit.PerUser
	stats      *persistence.StatsRepo
	writer     *persistence.WriterQueue
	queue      *cooldownQueue
	capture    CommandCapture

	mu  sync.Mutex
	cfg *config.Config
}

func New(log *slog.Logger, cfg *config.Config, registry *command.Registry, translator *i18n.Translator,
	formatter *Formatter, internet *InternetChecker, responder Responder,
	perUser *ratelimit.PerUser, stats *persistence.StatsRepo, writer *persistence.WriterQueue) *Dispatcher {
	d := &Dispatcher{
		log:        log,
		cfg:        cfg,
		registry:   registry,
		translator: translator,
		formatter:  formatter,
		internet:   internet,
		responder:  responder,
		perUser:    perUser,
		stats:      stats,
		writer:     writer,
	}
	d.queue = newCooldownQueue(d.executeAndRespond)
	return d
}

// SetCapture installs the optional command capture hook.
func (d *Dispatcher) SetCapture(c CommandCapture) { d.capture = c }

// Run primes the internet reachability cache and drives the cooldown queue
// worker until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.internet.CheckNow(ctx)
	d.queue.work(ctx)
}

// ApplyConfig swaps in a reloaded configuration.
func (d *Dispatcher) ApplyConfig(cfg *config.Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Greet offers the raw message to the greeter plugin ahead of any prefix
// handling or filtering, so plain "hello" works without command syntax and
// the greeter sees users even on channels the bot otherwise ignores.
func (d *Dispatcher) Greet(ctx context.Context, msg *domain.MeshMessage) bool {
	greeter, ok := d.registry.Get("greeter")
	if !ok || !greeter.ShouldExecute(msg, msg.Content) {
		return false
	}
	d.runGates(ctx, greeter, msg)
	return true
}

// Dispatch processes one inbound message end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *domain.MeshMessage) {
	cfg := d.config()

	if d.Greet(ctx, msg) {
		return
	}

	content, hasPrefix := stripPrefix(msg.Content, cfg.Bot.CommandPrefix)
	if !msg.IsDM && !hasPrefix {
		// Channel chatter without the command prefix is not for us, except
		// for configured keyword responses.
		d.tryKeywords(ctx, cfg, msg, msg.Content)
		return
	}
	if content == "" {
		return
	}

	if target, ok := d.helpTarget(content); ok {
		d.respond(ctx, msg, d.helpText(target))
		return
	}

	for _, cmd := range d.registry.Commands() {
		if cmd.Name() == "greeter" {
			continue
		}
		if cmd.ShouldExecute(msg, content) {
			d.runGates(ctx, cmd, msg)
			return
		}
	}

	if d.tryKeywords(ctx, cfg, msg, content) {
		return
	}
	d.trySyntax(ctx, cfg, msg, content)
}

// runGates walks the gate chain for a matched command; the first failing
// gate decides the outcome. Channel-scope refusals are silent so commands
// never pollute channels they are not configured for; later gates answer
// with a translated error.
func (d *Dispatcher) runGates(ctx context.Context, cmd command.Command, msg *domain.MeshMessage) {
	cfg := d.config()
	sender := msg.SenderKey()
	meta := cmd.Meta()

	if !cmd.CanExecute(ctx, msg) {
		d.log.Debug("command declined execution", "command", cmd.Name(), "sender", sender)
		return
	}
	if !msg.IsDM && len(meta.AllowedChannels) > 0 && !channelAllowed(meta.AllowedChannels, msg.Channel) {
		d.log.Debug("command not allowed on channel", "command", cmd.Name(), "channel", msg.Channel)
		return
	}

	if cfg.Bot.PerUserRateLimitEnabled && d.perUser != nil {
		if ok, wait := d.perUser.Allow(sender); !ok {
			d.log.Debug("per-user rate limit", "command", cmd.Name(), "sender", sender, "wait", wait)
			return
		}
	}

	if ok, remaining := cmd.CheckCooldown(sender, time.Now()); !ok {
		threshold := cmd.QueueThreshold()
		recentlyRan := time.Since(cmd.LastRunBy(sender)) < requeueRecentWindow
		if threshold > 0 && remaining <= threshold && !recentlyRan && d.queue.offer(cmd, msg, remaining) {
			d.log.Debug("command queued for cooldown", "command", cmd.Name(), "sender", sender, "remaining", remaining)
			return
		}
		d.log.Debug("command on cooldown", "command", cmd.Name(), "sender", sender, "remaining", remaining)
		d.respond(ctx, msg, d.translator.Translate("{command} is cooling down, try again in {seconds}s",
			map[string]any{"command": cmd.Name(), "seconds": int(remaining.Seconds()) + 1}))
		return
	}

	// Reaching this gate on a channel means the channel is allowed for the
	// command, so the usage hint is wanted there.
	if meta.DMOnly && !msg.IsDM {
		d.log.Debug("dm-only command asked on channel", "command", cmd.Name(), "channel", msg.Channel)
		d.respond(ctx, msg, d.translator.Translate("This command only works in a direct message", nil))
		return
	}
	if meta.AdminOnly && !isAdmin(cfg.AdminPubkeys, msg.SenderPubkey) {
		d.log.Info("admin command refused", "command", cmd.Name(), "sender", sender)
		d.respond(ctx, msg, d.translator.Translate("Access denied", nil))
		return
	}
	if meta.RequiresInternet && !d.internet.Online(ctx) {
		d.respond(ctx, msg, d.translator.Translate("No internet connection right now, try again later", nil))
		return
	}

	d.executeAndRespond(ctx, cmd, msg)
}

// executeAndRespond is the post-gate tail, shared with the cooldown queue.
func (d *Dispatcher) executeAndRespond(ctx context.Context, cmd command.Command, msg *domain.MeshMessage) {
	sender := msg.SenderKey()
	out, err := cmd.Execute(ctx, msg)

	cmd.RecordExecution(sender, time.Now())
	if d.perUser != nil {
		d.perUser.Record(sender)
	}
	if d.writer != nil && d.stats != nil {
		name, isDM, success := cmd.Name(), msg.IsDM, err == nil
		d.writer.Enqueue("command stat", func(wctx context.Context) error {
			return d.stats.RecordCommand(wctx, name, sender, isDM, success)
		})
	}

	if err != nil {
		d.log.Error("command failed", "command", cmd.Name(), "error", err)
		if d.capture != nil {
			d.capture.Command(cmd.Name(), msg, "", false)
		}
		d.respond(ctx, msg, d.translator.Translate("{command} failed, try again later",
			map[string]any{"command": cmd.Name()}))
		return
	}
	if d.capture != nil {
		d.capture.Command(cmd.Name(), msg, out, true)
	}
	if strings.TrimSpace(out) == "" {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(settleDelay):
	}
	d.respondFormatted(ctx, msg, cmd.ResponseFormat(), out)
}

// tryKeywords answers configured [Keywords] responses: the keyword matches
// the whole content or as a first word. A non-empty channel_keywords list
// restricts which triggers fire on channels; DMs answer every keyword.
func (d *Dispatcher) tryKeywords(ctx context.Context, cfg *config.Config, msg *domain.MeshMessage, content string) bool {
	lower := strings.ToLower(strings.TrimSpace(content))
	restricted := len(cfg.Channels.ChannelKeywords) > 0
	for keyword, response := range cfg.Keywords {
		k := strings.ToLower(keyword)
		if lower != k && !strings.HasPrefix(lower, k+" ") {
			continue
		}
		if !msg.IsDM && restricted && !isChannelKeyword(cfg, k) {
			continue
		}
		d.respond(ctx, msg, response)
		return true
	}
	return false
}

// trySyntax answers [Custom_Syntax] triggers, which always take arguments.
func (d *Dispatcher) trySyntax(ctx context.Context, cfg *config.Config, msg *domain.MeshMessage, content string) {
	word := strings.ToLower(firstWord(content))
	for trigger, response := range cfg.CustomSyntax {
		if strings.ToLower(trigger) == word {
			d.respond(ctx, msg, response)
			return
		}
	}
}

func (d *Dispatcher) respond(ctx context.Context, msg *domain.MeshMessage, text string) {
	d.respondFormatted(ctx, msg, "", text)
}

func (d *Dispatcher) respondFormatted(ctx context.Context, msg *domain.MeshMessage, format, text string) {
	out := d.formatter.WrapResponse(format, text, msg)
	var err error
	if msg.IsDM {
		err = d.responder.SendDM(ctx, msg.SenderPubkey, out)
	} else {
		err = d.responder.SendChannel(ctx, msg.Channel, out)
	}
	if err != nil {
		d.log.Error("response send failed", "error", err, "dm", msg.IsDM)
	}
}

// helpTarget reports whether content is a help request, and for
// "help <command>" forms returns the asked-about command name.
func (d *Dispatcher) helpTarget(content string) (string, bool) {
	first := firstWord(content)
	word := strings.ToLower(first)
	if word != "help" && word != "?" && word != strings.ToLower(d.translator.Translate("help", nil)) {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(content, first))
	return strings.ToLower(firstWord(rest)), true
}

// helpText renders the general command listing, or a single command's help
// when target names one by name or keyword.
func (d *Dispatcher) helpText(target string) string {
	if target != "" {
		if cmd, ok := d.findCommand(target); ok {
			if h := cmd.Help(); h != "" {
				return h
			}
		}
		return d.translator.Translate("No help available for that command", nil)
	}

	var lines []string
	for _, cmd := range d.registry.Commands() {
		if h := cmd.Help(); h != "" {
			lines = append(lines, h)
		}
	}
	if len(lines) == 0 {
		return d.translator.Translate("No commands available", nil)
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) findCommand(name string) (command.Command, bool) {
	if cmd, ok := d.registry.Get(name); ok {
		return cmd, true
	}
	for _, cmd := range d.registry.Commands() {
		for _, k := range cmd.Keywords() {
			if strings.EqualFold(k, name) {
				return cmd, true
			}
		}
	}
	return nil, false
}

// stripPrefix removes the command prefix. With no prefix configured, bare
// commands work and the legacy "!" form is still accepted.
func stripPrefix(content, prefix string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if prefix == "" {
		if strings.HasPrefix(trimmed, "!") {
			return strings.TrimSpace(trimmed[1:]), true
		}
		return trimmed, true
	}
	if strings.HasPrefix(trimmed, prefix) {
		return strings.TrimSpace(trimmed[len(prefix):]), true
	}
	return trimmed, false
}

func channelAllowed(allowed []string, channel string) bool {
	for _, ch := range allowed {
		if strings.EqualFold(ch, channel) {
			return true
		}
	}
	return false
}

func isAdmin(adminPubkeys []string, pubkey string) bool {
	if pubkey == "" {
		return false
	}
	for _, admin := range adminPubkeys {
		if admin == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(pubkey), strings.ToLower(admin)) {
			return true
		}
	}
	return false
}

func isChannelKeyword(cfg *config.Config, keyword string) bool {
	for _, k := range cfg.Channels.ChannelKeywords {
		if strings.EqualFold(k, keyword) {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}
