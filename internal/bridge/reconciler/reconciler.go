// Package reconciler implements the Lifecycle Reconciler (spec component
// M2): the periodic control loop that diffs the agent-service registry
// against the Mapping Store and drives provisioning, renames, and
// (soft/hard) deletion.
package reconciler

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/ruriko-bridge/common/crypto"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/agentsvc"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/audit"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/matrix"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/metrics"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/provisioning"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
)

// Config configures the reconciliation loop.
type Config struct {
	// Interval is how often to run a reconcile pass. Defaults to 60s.
	Interval time.Duration
	// GraceWindow is how long a soft-deleted agent's mapping survives before
	// hard deletion. Defaults to 72h.
	GraceWindow time.Duration
	// FailureAlertThreshold is the number of consecutive per-agent failures
	// before an alert fires. Defaults to 3.
	FailureAlertThreshold int
	// SpaceName is the display name for the canonical Space room, created
	// once at first boot if it doesn't yet exist.
	SpaceName string
	// AlertFunc is called on alert-worthy conditions. If nil, alerts are
	// only logged.
	AlertFunc func(agentID, message string)
	// MasterKey encrypts matrix_password at rest (common/crypto). Required.
	MasterKey []byte
	// SkipAgentIDs are agent-service registry ids to treat as absent from
	// the registry entirely, per spec §6's DISABLED_AGENT_IDS. An agent
	// already mapped when added here is reconciled exactly like one that
	// was removed from the registry (soft-deleted, then hard-deleted after
	// GraceWindow).
	SkipAgentIDs []string
	// Audit receives a notification for every lifecycle transition and
	// alert-worthy failure. Defaults to audit.Noop{} (no-op) when nil.
	Audit audit.Notifier
	// Matrix authenticates as the agent's own account to update its profile
	// (e.g. display name on rename). Required.
	Matrix *matrix.Adapter
}

// Reconciler drives registry↔store diffing and idempotent provisioning.
type Reconciler struct {
	agents      *agentsvc.Client
	store       *store.Store
	provisioner *provisioning.Provisioner
	cfg         Config
	skip        map[string]bool
}

// New constructs a Reconciler. cfg zero-values are filled with defaults.
func New(agents *agentsvc.Client, s *store.Store, p *provisioning.Provisioner, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 72 * time.Hour
	}
	if cfg.FailureAlertThreshold <= 0 {
		cfg.FailureAlertThreshold = 3
	}
	if cfg.SpaceName == "" {
		cfg.SpaceName = "Letta Agents"
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Noop{}
	}
	skip := make(map[string]bool, len(cfg.SkipAgentIDs))
	for _, id := range cfg.SkipAgentIDs {
		skip[id] = true
	}
	return &Reconciler{agents: agents, store: s, provisioner: p, cfg: cfg, skip: skip}
}

// Run starts the reconcile loop. Blocks until ctx is cancelled. Also
// satisfies on-demand reconciles triggered by the webhook endpoint via a
// send on trigger.
func (r *Reconciler) Run(ctx context.Context, trigger <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconciler starting", "interval", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			r.runPass(ctx)
		case <-trigger:
			r.runPass(ctx)
		}
	}
}

// runPass executes exactly one reconcile pass; passes never run
// concurrently (spec: "Reconcile cycles: serialized").
func (r *Reconciler) runPass(ctx context.Context) {
	if err := r.Reconcile(ctx); err != nil {
		slog.Error("reconcile pass failed", "err", err)
	}
}

// Reconcile performs one full reconcile pass: fetch, diff, provision.
func (r *Reconciler) Reconcile(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ReconcileCyclesTotal.WithLabelValues(result).Inc()
	}()

	if err := r.ensureSpace(ctx); err != nil {
		return fmt.Errorf("ensure space: %w", err)
	}

	registry, err := r.agents.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents from registry: %w", err)
	}
	registryByID := make(map[string]agentsvc.Agent, len(registry))
	for _, a := range registry {
		if r.skip[a.ID] {
			continue
		}
		registryByID[a.ID] = a
	}

	mappings, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active mappings: %w", err)
	}
	mappedByID := make(map[string]*store.AgentMapping, len(mappings))
	roomOwner := make(map[string]string) // room_id -> first-created agent_id, for the tie-break rule
	for _, m := range mappings {
		mappedByID[m.AgentID] = m
		if m.RoomID.Valid {
			if existing, ok := roomOwner[m.RoomID.String]; ok {
				// Tie-break: earliest-created mapping wins; the conflicting
				// mapping is logged for operator attention, never dropped.
				if m.CreatedAt.Before(mappedByID[existing].CreatedAt) {
					roomOwner[m.RoomID.String] = m.AgentID
				}
				slog.Warn("two mappings share a room_id; older mapping wins",
					"room", m.RoomID.String, "agent_a", existing, "agent_b", m.AgentID)
			} else {
				roomOwner[m.RoomID.String] = m.AgentID
			}
		}
	}

	// Step 3a: agents in registry not in mappings → enqueue provisioning.
	for id, agent := range registryByID {
		if _, ok := mappedByID[id]; !ok {
			r.discoverAgent(ctx, agent)
		}
	}

	// Step 3b/3c/3e: diff existing mappings against the registry.
	for id, m := range mappedByID {
		agent, stillPresent := registryByID[id]
		switch {
		case stillPresent && m.RemovedAt.Valid:
			if err := r.store.Undelete(ctx, id); err != nil {
				r.fail(ctx, id, fmt.Errorf("undelete rediscovered agent: %w", err))
				continue
			}
			slog.Info("agent rediscovered; cleared removed_at", "agent", id)
			r.cfg.Audit.Notify(ctx, audit.Event{Kind: audit.KindAgentUndeleted, Target: id, Message: "rediscovered in registry"})
		case !stillPresent && !m.RemovedAt.Valid:
			if err := r.store.SoftDelete(ctx, id, time.Now()); err != nil {
				r.fail(ctx, id, fmt.Errorf("soft delete vanished agent: %w", err))
				continue
			}
			slog.Info("agent missing from registry; soft-deleted", "agent", id)
			r.cfg.Audit.Notify(ctx, audit.Event{Kind: audit.KindAgentSoftDeleted, Target: id, Message: "missing from registry"})
		case stillPresent && agent.Name != m.AgentName:
			if err := r.renameAgent(ctx, m, agent.Name); err != nil {
				r.fail(ctx, id, fmt.Errorf("rename agent: %w", err))
				continue
			}
		}
	}

	// Step 3d: hard-delete mappings past the grace window.
	cutoff := time.Now().Add(-r.cfg.GraceWindow)
	expired, err := r.store.ListWithRemovedAtBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired mappings: %w", err)
	}
	for _, m := range expired {
		if err := r.hardDelete(ctx, m); err != nil {
			r.fail(ctx, m.AgentID, fmt.Errorf("hard delete expired agent: %w", err))
			continue
		}
		r.cfg.Audit.Notify(ctx, audit.Event{Kind: audit.KindAgentHardDeleted, Target: m.AgentID, Message: "grace window elapsed"})
	}

	// Step 4: ensure every still-active mapping is fully provisioned.
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active mappings (post-diff): %w", err)
	}
	for _, m := range active {
		if err := r.ensureProvisioned(ctx, m); err != nil {
			r.fail(ctx, m.AgentID, fmt.Errorf("ensure provisioned: %w", err))
			continue
		}
		if err := r.store.ResetReconcileFailures(ctx, m.AgentID); err != nil {
			slog.Warn("reset reconcile failure counter failed", "agent", m.AgentID, "err", err)
		}
	}

	return nil
}

func (r *Reconciler) ensureSpace(ctx context.Context) error {
	_, err := r.store.GetSpace(ctx)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}
	roomID, err := r.provisioner.CreateSpace(ctx, r.cfg.SpaceName)
	if err != nil {
		return fmt.Errorf("create canonical space: %w", err)
	}
	return r.store.SetSpace(ctx, roomID.String())
}

func (r *Reconciler) discoverAgent(ctx context.Context, agent agentsvc.Agent) {
	slog.Info("new agent discovered", "agent", agent.ID, "name", agent.Name)
	r.cfg.Audit.Notify(ctx, audit.Event{Kind: audit.KindAgentDiscovered, Target: agent.ID, Message: agent.Name})
	m := &store.AgentMapping{AgentID: agent.ID, AgentName: agent.Name}
	if err := r.store.Upsert(ctx, m); err != nil {
		r.fail(ctx, agent.ID, fmt.Errorf("create mapping: %w", err))
		return
	}
	if err := r.ensureProvisioned(ctx, m); err != nil {
		r.fail(ctx, agent.ID, fmt.Errorf("initial provisioning: %w", err))
		return
	}
	r.cfg.Audit.Notify(ctx, audit.Event{Kind: audit.KindAgentProvisioned, Target: agent.ID, Message: "room and identity ready"})
}

func (r *Reconciler) renameAgent(ctx context.Context, m *store.AgentMapping, newName string) error {
	slog.Info("agent renamed in registry", "agent", m.AgentID, "old_name", m.AgentName, "new_name", newName)
	if err := r.store.UpdateAgentName(ctx, m.AgentID, newName); err != nil {
		return err
	}
	if m.RoomID.Valid {
		if err := r.provisioner.RenameAgentRoom(ctx, roomIDOf(m), newName); err != nil {
			return fmt.Errorf("rename room: %w", err)
		}
	}
	if m.MatrixUserID != "" {
		password, err := r.decryptPassword(m.MatrixPassword)
		if err != nil {
			return fmt.Errorf("decrypt agent password: %w", err)
		}
		cli, err := r.cfg.Matrix.ClientForAgent(ctx, userIDOf(m), password)
		if err != nil {
			return fmt.Errorf("authenticate as agent: %w", err)
		}
		if err := r.provisioner.SetDisplayName(ctx, cli, newName); err != nil {
			return fmt.Errorf("set display name: %w", err)
		}
	}
	r.cfg.Audit.Notify(ctx, audit.Event{Kind: audit.KindAgentRenamed, Target: m.AgentID, Message: fmt.Sprintf("%s -> %s", m.AgentName, newName)})
	return nil
}

func (r *Reconciler) decryptPassword(hexCiphertext string) (string, error) {
	ciphertext, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return "", fmt.Errorf("decode stored password: %w", err)
	}
	plaintext, err := crypto.Decrypt(r.cfg.MasterKey, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt stored password: %w", err)
	}
	return string(plaintext), nil
}

func (r *Reconciler) hardDelete(ctx context.Context, m *store.AgentMapping) error {
	slog.Info("hard-deleting agent past grace window", "agent", m.AgentID)
	if m.RoomID.Valid {
		space, err := r.store.GetSpace(ctx)
		if err == nil {
			if err := r.provisioner.UnlinkSpace(ctx, roomID(space.SpaceRoomID), roomIDOf(m)); err != nil {
				slog.Warn("unlink space failed during hard delete", "agent", m.AgentID, "err", err)
			}
		}
	}
	if m.MatrixUserID != "" {
		if err := r.provisioner.Deactivate(ctx, userIDOf(m)); err != nil {
			slog.Warn("deactivate account failed during hard delete", "agent", m.AgentID, "err", err)
		}
	}
	return r.store.HardDelete(ctx, m.AgentID)
}

// ensureProvisioned calls the Provisioner idempotently: every step checks
// current state first, so a partially-provisioned row converges in at most
// one further pass (spec M1 idempotence invariant).
func (r *Reconciler) ensureProvisioned(ctx context.Context, m *store.AgentMapping) error {
	if m.MatrixUserID == "" {
		account, err := r.provisioner.Register(ctx, m.AgentID, m.AgentName)
		if err != nil {
			return fmt.Errorf("register matrix account: %w", err)
		}
		encrypted, err := crypto.Encrypt(r.cfg.MasterKey, []byte(account.Password))
		if err != nil {
			return fmt.Errorf("encrypt matrix password: %w", err)
		}
		m.MatrixUserID = string(account.UserID)
		m.MatrixPassword = hex.EncodeToString(encrypted)
		if err := r.store.SetMatrixAccount(ctx, m.AgentID, m.MatrixUserID, m.MatrixPassword); err != nil {
			return fmt.Errorf("persist registered account: %w", err)
		}
	}

	if !m.RoomID.Valid {
		room, err := r.provisioner.CreateAgentRoom(ctx, m.AgentName, userIDOf(m))
		if err != nil {
			return fmt.Errorf("create agent room: %w", err)
		}
		if err := r.store.SetRoom(ctx, m.AgentID, room.String()); err != nil {
			return fmt.Errorf("persist room: %w", err)
		}
		m.RoomID = sql.NullString{String: room.String(), Valid: true}

		// Spec M1 also lists a bounded history-import as a provisioning
		// output. This is deliberately not implemented: §6's agent-service
		// API subset names only a paginated agent list, conversation
		// create/verify, and streaming/non-streaming message submission —
		// no message-history retrieval call — and at this point in
		// provisioning no conversation_id exists yet to import history
		// from (the Router mints one lazily on first message). See
		// DESIGN.md for the full justification.
	}

	if space, err := r.store.GetSpace(ctx); err == nil && m.RoomID.Valid {
		if err := r.provisioner.LinkSpace(ctx, roomID(space.SpaceRoomID), roomIDOf(m)); err != nil {
			return fmt.Errorf("link space: %w", err)
		}
	}

	if m.RoomID.Valid {
		errs := r.provisioner.InviteCoreUsers(ctx, roomIDOf(m),
			func(mxid string) bool {
				inv, err := r.store.GetInvitation(ctx, m.AgentID, mxid)
				return err == nil && inv.Status == store.InvitationJoined
			},
			func(mxid, status string) {
				if err := r.store.SetInvitation(ctx, m.AgentID, mxid, store.InvitationState(status)); err != nil {
					slog.Warn("record invitation status failed", "agent", m.AgentID, "mxid", mxid, "err", err)
				}
			},
		)
		for _, err := range errs {
			slog.Warn("core user invite failed", "agent", m.AgentID, "err", err)
		}
	}

	return nil
}

func (r *Reconciler) fail(ctx context.Context, agentID string, err error) {
	slog.Error("reconcile step failed", "agent", agentID, "err", err)
	count, cerr := r.store.RecordReconcileFailure(ctx, agentID)
	if cerr != nil {
		slog.Warn("record reconcile failure counter failed", "agent", agentID, "err", cerr)
		return
	}
	if count >= r.cfg.FailureAlertThreshold {
		r.alert(ctx, agentID, fmt.Sprintf("%d consecutive reconcile failures: %v", count, err))
	}
}

func (r *Reconciler) alert(ctx context.Context, agentID, message string) {
	last, err := r.store.LastAlertedAt(ctx, agentID)
	if err == nil && time.Since(last) < 5*time.Minute {
		return
	}
	if r.cfg.AlertFunc != nil {
		r.cfg.AlertFunc(agentID, message)
	} else {
		slog.Warn("ALERT", "agent", agentID, "message", message)
	}
	r.cfg.Audit.Notify(ctx, audit.Event{Kind: audit.KindError, Target: agentID, Message: message})
	if err := r.store.MarkAlerted(ctx, agentID); err != nil {
		slog.Warn("mark alerted failed", "agent", agentID, "err", err)
	}
}
