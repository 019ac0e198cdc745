// Package app wires the bridge's components together: store, Matrix
// adapter, agent-service client, provisioner, reconciler, ingestor,
// router, streamer, and the HTTP control plane. It owns process-lifetime
// construction and the shutdown order spec §5 names: ingestor first,
// router next, reconciler aborts, HTTP server drains, stores close last.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/agentsvc"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/audit"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/config"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/dedupe"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/httpapi"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/ingest"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/matrix"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/provisioning"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/reconciler"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/router"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/streamer"
)

// App holds every wired component of the bridge.
type App struct {
	cfg *config.Config

	store       *store.Store
	dedupe      *dedupe.Store
	matrix      *matrix.Adapter
	agents      *agentsvc.Client
	provisioner *provisioning.Provisioner
	reconciler  *reconciler.Reconciler
	ingestor    *ingest.Ingestor
	router      *router.Router
	streamer    *streamer.Streamer
	http        *httpapi.Server

	reconcileTrigger chan struct{}
}

// New constructs every component but starts nothing; call Run to start the
// sync loop, reconciler, and HTTP server.
func New(ctx context.Context, cfg *config.Config, masterKey []byte) (*App, error) {
	slog.Info("opening mapping store", "path", cfg.DatabaseURL)
	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	dedupeStore := dedupe.New(st.DB(), cfg.DedupeTTL)

	slog.Info("logging in as bridge bot", "user", cfg.MatrixBotUser)
	botToken, err := passwordLogin(ctx, cfg.MatrixHomeserverURL, cfg.MatrixBotUser, cfg.MatrixBotPassword)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: bot login: %w", err)
	}
	var adminRooms []string
	if cfg.AuditRoomID != "" {
		adminRooms = append(adminRooms, cfg.AuditRoomID)
	}
	matrixAdapter, err := matrix.New(matrix.Config{
		Homeserver: cfg.MatrixHomeserverURL,
		BotUserID:  cfg.MatrixBotUser,
		BotToken:   botToken,
		AdminRooms: adminRooms,
		DB:         st.DB(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: init matrix adapter: %w", err)
	}

	slog.Info("logging in as homeserver admin", "user", cfg.MatrixAdminUser)
	adminToken, err := passwordLogin(ctx, cfg.MatrixHomeserverURL, cfg.MatrixAdminUser, cfg.MatrixAdminPassword)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: admin login: %w", err)
	}
	provisioner, err := provisioning.New(provisioning.Config{
		Homeserver:       cfg.MatrixHomeserverURL,
		AdminUserID:      cfg.MatrixAdminUser,
		AdminAccessToken: adminToken,
		HomeserverType:   provisioning.HomeserverGeneric,
		CoreUserIDs:      []string{cfg.MatrixAdminUser, cfg.MatrixBotUser},
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: init provisioner: %w", err)
	}

	agentsClient := agentsvc.New(cfg.AgentServiceURL, agentsvc.Options{Token: cfg.AgentServiceToken})

	alertFunc := newAlertFunc(cfg.AlertURL, cfg.AlertTopic)

	var auditNotifier audit.Notifier = audit.Noop{}
	if cfg.AuditRoomID != "" {
		auditNotifier = audit.NewMatrixNotifier(matrixAdapter, cfg.AuditRoomID)
	}

	rec := reconciler.New(agentsClient, st, provisioner, reconciler.Config{
		Interval:     cfg.ReconcileInterval,
		GraceWindow:  cfg.SoftDeleteGrace,
		AlertFunc:    alertFunc,
		MasterKey:    masterKey,
		SkipAgentIDs: cfg.DisabledAgentIDs,
		Audit:        auditNotifier,
		Matrix:       matrixAdapter,
	})

	ingestor := ingest.New(dedupeStore, st, ingest.Config{
		BotUserID:    cfg.MatrixBotUser,
		AdminUserIDs: []string{cfg.MatrixAdminUser},
	})

	streamerComp := streamer.New(matrixAdapter, streamer.Config{
		LiveEditMode: cfg.LiveEditMode,
	})

	rt := router.New(agentsClient, st, directMessageChecker{matrixAdapter}, streamerComp.Stream,
		func(ctx context.Context, roomID id.RoomID, body string) {
			if _, err := matrix.SendMessage(ctx, matrixAdapter.BotClient(), roomID, body); err != nil {
				slog.Warn("app: failed to post router notice", "room", roomID, "err", err)
			}
		},
		router.Config{
			TotalTimeout:     cfg.TotalTimeout,
			IdleTimeout:      cfg.IdleTimeout,
			StreamingEnabled: cfg.StreamingEnabled,
			MasterKey:        masterKey,
			AlertFunc:        alertFunc,
		})

	trigger := make(chan struct{}, 1)

	httpServer := httpapi.New(httpapi.Config{
		Addr:             cfg.HTTPAddr,
		WebhookSecret:    cfg.WebhookSecret,
		RequireSignature: cfg.RequireWebhookSignature,
	}, st, httpapi.ReconcileTrigger(trigger), dedupeStore)

	return &App{
		cfg:              cfg,
		store:            st,
		dedupe:           dedupeStore,
		matrix:           matrixAdapter,
		agents:           agentsClient,
		provisioner:      provisioner,
		reconciler:       rec,
		ingestor:         ingestor,
		router:           rt,
		streamer:         streamerComp,
		http:             httpServer,
		reconcileTrigger: trigger,
	}, nil
}

// Run starts the sync loop, reconciler, and HTTP control plane, blocking
// until ctx is cancelled, then drains in spec §5's shutdown order.
func (a *App) Run(ctx context.Context) error {
	if err := a.http.Start(ctx); err != nil {
		return fmt.Errorf("app: start http control plane: %w", err)
	}

	go a.reconciler.Run(ctx, a.reconcileTrigger)
	go a.dedupe.Run(ctx, 0)

	slog.Info("starting matrix sync")
	if err := a.matrix.Start(ctx, a.handleEvent, a.ingestor.HandleInvite); err != nil {
		return fmt.Errorf("app: start matrix sync: %w", err)
	}

	<-ctx.Done()
	a.shutdown()
	return nil
}

// shutdown runs the order spec §5 names: ingestor (sync loop) first, router
// next (cancels in-flight slots — each task's own TotalTimeout timer
// already bounds it to at most TotalTimeout), reconciler aborts (already
// tied to ctx, nothing left to do here), HTTP server drains, stores close
// last.
func (a *App) shutdown() {
	slog.Info("app: shutting down")

	a.matrix.Stop()
	a.router.Shutdown()
	a.http.Stop()

	if err := a.store.Close(); err != nil {
		slog.Warn("app: store close failed", "err", err)
	}
}

// handleEvent is matrix.MessageHandler: it runs the M3 filter chain and
// forwards accepted events to the Router.
func (a *App) handleEvent(ctx context.Context, roomID id.RoomID, evt *event.Event) {
	a.ingestor.Process(ctx, roomID, evt, func(ctx context.Context, accepted ingest.Accepted) {
		if err := a.router.Enqueue(ctx, accepted, string(accepted.Event.Sender)); err != nil {
			slog.Error("app: enqueue failed", "room", roomID, "agent", accepted.ResolvedAgentID, "err", err)
		}
	})
}

// directMessageChecker adapts matrix.IsDirectMessage (a package function,
// since it needs no adapter state beyond a client) to router.RoomMembership
// using the bot's own client, which is a member of every room it syncs.
type directMessageChecker struct {
	adapter *matrix.Adapter
}

func (d directMessageChecker) IsDirectMessage(ctx context.Context, roomID id.RoomID) (bool, error) {
	return matrix.IsDirectMessage(ctx, d.adapter.BotClient(), roomID)
}

// newAlertFunc builds the reconciler's alert callback from the optional
// ALERT_URL/ALERT_TOPIC config; nil when unset, per reconciler.Config's
// "alerts are only logged" fallback.
func newAlertFunc(alertURL, alertTopic string) func(agentID, message string) {
	if alertURL == "" {
		return nil
	}
	return func(agentID, message string) {
		if err := postAlert(alertURL, alertTopic, agentID, message); err != nil {
			slog.Warn("app: alert push failed", "agent", agentID, "err", err)
		}
	}
}
