package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/gate"
	httpserver "github.com/jw6ventures/calsync/internal/http"
	"github.com/jw6ventures/calsync/internal/http/api"
	"github.com/jw6ventures/calsync/internal/jobs"
	"github.com/jw6ventures/calsync/internal/ledger"
	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/remote"
	"github.com/jw6ventures/calsync/internal/scheduler"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
	"github.com/jw6ventures/calsync/internal/webhook"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, job workers and maintenance scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations at startup")
}

func serve(ctx context.Context) error {
	log.Info("starting calsync", slog.String("addr", cfg.ListenAddr))

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if !skipMigrations {
		if _, err := store.ApplyMigrations(ctx, pool, log); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	stor := store.New(pool)

	sealer, err := auth.NewSealer(cfg.TokenKey)
	if err != nil {
		return fmt.Errorf("init token sealer: %w", err)
	}
	oauthCfg := auth.OAuthConfig(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret,
		cfg.OAuth.AuthURL, cfg.OAuth.TokenURL, cfg.BaseURL, cfg.OAuth.Scopes)
	tokens := auth.NewTokenService(stor.Credentials, sealer, oauthCfg, log)

	client := remote.NewHTTPClient(remote.Options{
		BaseURL:    cfg.Remote.BaseURL,
		RatePerSec: cfg.Remote.RatePerSec,
		Burst:      cfg.Remote.Burst,
		Timeout:    cfg.Remote.Timeout,
	}, log)
	g := gate.New(stor.Connections, tokens, log)

	syncOpts := syncer.Options{
		BatchSize:      cfg.Sync.BatchSize,
		MaxConcurrency: cfg.Sync.MaxConcurrency,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		BatchDelay:     cfg.Sync.BatchDelay,
		MaxResults:     cfg.Sync.MaxResults,
		PullPast:       cfg.Sync.PullPast,
		PullAhead:      cfg.Sync.PullAhead,
	}
	puller := syncer.NewPuller(stor.Events, client, g, syncOpts, log)
	pusher := syncer.NewPusher(stor.Events, client, g, log)
	initial := syncer.NewInitialSync(stor.Events, stor.Conflicts, stor.Connections, client, g, puller, syncOpts, log)
	connections := syncer.NewConnections(stor.Connections, stor.Events, stor.Channels, tokens, client, g, log)

	backend, err := queue.BuildBackend(ctx, cfg.Queue.DSN)
	if err != nil {
		return fmt.Errorf("init queue backend: %w", err)
	}
	defer backend.Close()

	syncQ := queue.New[jobs.Payload](queueConfig(queue.SyncConfig(), cfg.Queue.Concurrency), backend, log)
	hookQ := queue.New[jobs.Payload](queueConfig(queue.WebhookConfig(), 0), backend, log)
	enq := jobs.NewEnqueuer(syncQ, hookQ)
	pusher.RetryWith(enq)

	renewer := webhook.NewRenewer(stor.Channels, client, g, enq, webhook.Options{
		CallbackURL: cfg.Webhook.CallbackURL,
		TTL:         cfg.Webhook.TTL,
	}, log)

	dispatcher := jobs.NewDispatcher(puller, pusher, initial, renewer, log)
	dispatcher.Register(syncQ, jobs.KindPull, jobs.KindPush, jobs.KindBatchPull, jobs.KindFullSync, jobs.KindInitialSync)
	dispatcher.Register(hookQ, jobs.KindRenewChannel)

	led := ledger.New(stor.SyncErrors, jobs.NewReplayer(enq), log)
	for _, q := range []*queue.Queue[jobs.Payload]{syncQ, hookQ} {
		q.OnExhausted(jobs.ExhaustedRecorder(led, log))
		q.OnCompleted(jobs.CompletedResolver(led, log))
	}

	sched := scheduler.New(log, scheduler.Maintenance{
		Channels:     renewer,
		Ledger:       led,
		Queues:       []scheduler.QueueCleaner{syncQ, hookQ},
		Connections:  stor.Connections,
		Pulls:        enq,
		Log:          log,
		PullInterval: cfg.Sync.ScheduledPull,
	}.Tasks()...)

	router := httpserver.NewRouter(ctx, cfg, stor, api.Services{
		Initial:     initial,
		Connections: connections,
		Puller:      puller,
		Pusher:      pusher,
		Jobs:        enq,
		Queues:      []api.Queue{syncQ, hookQ},
		Ledger:      led,
		Channels:    renewer,
	}, log)
	srv := httpserver.NewServer(cfg.ListenAddr, router, log)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		syncQ.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		hookQ.Run(egCtx)
		return nil
	})
	if err := sched.Start(egCtx); err != nil {
		return err
	}
	defer sched.Stop()
	eg.Go(func() error {
		return srv.Run(egCtx)
	})

	err = eg.Wait()
	log.Info("calsync stopped")
	return err
}

// queueConfig applies the operator overrides shared by every queue.
func queueConfig(c queue.Config, concurrency int) queue.Config {
	if concurrency > 0 {
		c.Concurrency = concurrency
	}
	if cfg.Queue.PollInterval > 0 {
		c.PollInterval = cfg.Queue.PollInterval
	}
	if cfg.Queue.Retention > 0 {
		c.KeepFailed = cfg.Queue.Retention
	}
	return c
}
