package courier

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/darkroom/internal/config"
	"github.com/zulandar/darkroom/internal/history"
	"github.com/zulandar/darkroom/internal/moderation"
	"github.com/zulandar/darkroom/internal/session"
	"github.com/zulandar/darkroom/internal/task"
	"github.com/zulandar/darkroom/internal/translate"
	"gorm.io/gorm"
)

// Daemon is the main courier process. It connects to a chat platform via an
// Adapter, pumps inbound messages to the Router, and posts the daily digest.
type Daemon struct {
	db      *gorm.DB
	cfg     *config.Config
	adapter Adapter
	backend task.Backend
	out     io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB      *gorm.DB
	Config  *config.Config
	Adapter Adapter
	Backend task.Backend
	Out     io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("courier: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("courier: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("courier: adapter is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("courier: backend is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		db:      opts.DB,
		cfg:     opts.Config,
		adapter: opts.Adapter,
		backend: opts.Backend,
		out:     out,
	}, nil
}

// Run starts the courier daemon. It connects the adapter, builds the
// generation pipeline (history log, session store, moderation, translator,
// controller, router), and blocks until the context is cancelled. On
// shutdown it closes the adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Darkroom connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("courier: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	hist, err := history.New(d.db)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("courier: build history log: %w", err)
	}
	sessions, err := session.NewStore(hist)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("courier: build session store: %w", err)
	}
	screener, err := moderation.Load(d.cfg.Moderation)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("courier: load moderation list: %w", err)
	}
	controller, err := task.New(task.Opts{
		Backend:  d.backend,
		Log:      hist,
		Screener: screener,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("courier: build controller: %w", err)
	}
	router, err := NewRouter(RouterOpts{
		Controller: controller,
		Sessions:   sessions,
		History:    hist,
		Translator: translate.FromConfig(d.cfg.Translate),
		Adapter:    d.adapter,
		Config:     d.cfg,
		BotUserID:  botUserID,
		Out:        d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("courier: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("courier: listen: %w", err)
	}

	go d.runDigestScheduler(ctx, hist)

	fmt.Fprintf(d.out, "Darkroom online\n")
	if err := d.adapter.Send(ctx, OutboundMessage{
		Text: "Darkroom online. Send `!dk help` to get started.",
	}); err != nil {
		log.Printf("courier: send online message: %v", err)
	}

	// Main loop: pump inbound messages until the context is cancelled.
	// Each message is handled on its own goroutine; a generation blocks
	// inside Submit for its whole lifetime and must not stall the pump.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Darkroom shutting down...\n")
			d.sendShutdown()
			if err := d.adapter.Close(); err != nil {
				log.Printf("courier: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Darkroom stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Darkroom inbound channel closed\n")
				return nil
			}
			go router.Handle(ctx, msg)
		}
	}
}

// runDigestScheduler posts the daily usage digest on the configured cron
// expression. It returns immediately when the digest is disabled.
func (d *Daemon) runDigestScheduler(ctx context.Context, hist *history.Log) {
	digestCfg := d.cfg.Digest
	if !digestCfg.Enabled || digestCfg.Cron == "" {
		return
	}

	var timer *time.Timer
	if wait := nextCronDuration(digestCfg.Cron); wait > 0 {
		timer = time.NewTimer(wait)
	}
	if timer == nil {
		log.Printf("courier: digest: bad cron expression %q, digest disabled", digestCfg.Cron)
		return
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.fireDigest(ctx, hist)
			if wait := nextCronDuration(digestCfg.Cron); wait > 0 {
				timer.Reset(wait)
			}
		}
	}
}

// fireDigest builds and sends a single daily digest (best-effort).
func (d *Daemon) fireDigest(ctx context.Context, hist *history.Log) {
	digest, err := BuildDigest(hist, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Printf("courier: digest: %v", err)
		return
	}
	if digest == nil {
		// No activity — suppress the post.
		return
	}
	if err := d.adapter.Send(ctx, OutboundMessage{
		Text: FormatDigest(digest, d.cfg),
	}); err != nil {
		log.Printf("courier: send digest: %v", err)
	}
}

// sendShutdown posts a shutdown message to the adapter (best-effort).
func (d *Daemon) sendShutdown() {
	ctx := context.Background()
	if err := d.adapter.Send(ctx, OutboundMessage{
		Text: "Darkroom shutting down",
	}); err != nil {
		log.Printf("courier: send shutdown message: %v", err)
	}
}
