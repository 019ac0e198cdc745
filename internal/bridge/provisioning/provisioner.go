// Package provisioning implements the User/Room/Space Provisioner (spec
// component M1): it turns an (possibly incomplete) AgentMapping row into a
// fully provisioned Matrix identity, room, and Space linkage.
package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/synapseadmin"

	"github.com/bdobrica/ruriko-bridge/common/trace"
	bmatrix "github.com/bdobrica/ruriko-bridge/internal/bridge/matrix"
)

// HomeserverType selects the registration strategy.
type HomeserverType string

const (
	HomeserverSynapse HomeserverType = "synapse"
	HomeserverGeneric HomeserverType = "generic"
)

// Config configures the Provisioner.
type Config struct {
	Homeserver        string
	AdminUserID       string
	AdminAccessToken  string
	HomeserverType    HomeserverType
	SharedSecret      string // required for HomeserverSynapse
	UsernameSuffix    string
	CoreUserIDs       []string // admin, bridge bot, optional auxiliary bridges
	RoomTopicTemplate string   // e.g. "%s — bridged agent room"
}

// ProvisionedAccount holds the credentials for a newly created agent
// account. The caller is responsible for encrypting Password at rest (see
// common/crypto) before persisting it; the Reconciler does not persist
// AccessToken.
type ProvisionedAccount struct {
	UserID      id.UserID
	Password    string
	AccessToken string
}

// Provisioner manages Matrix account, room, and Space creation for agents.
type Provisioner struct {
	cfg   Config
	admin *mautrix.Client
	syn   *synapseadmin.Client
}

// New validates cfg and constructs the underlying admin mautrix client.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("provisioning: Homeserver is required")
	}
	if cfg.AdminUserID == "" || cfg.AdminAccessToken == "" {
		return nil, fmt.Errorf("provisioning: AdminUserID and AdminAccessToken are required")
	}
	if cfg.HomeserverType == "" {
		cfg.HomeserverType = HomeserverGeneric
	}
	if cfg.HomeserverType == HomeserverSynapse && cfg.SharedSecret == "" {
		return nil, fmt.Errorf("provisioning: SharedSecret is required for synapse homeserver type")
	}
	if cfg.RoomTopicTemplate == "" {
		cfg.RoomTopicTemplate = "Bridged Matrix room for agent %s"
	}

	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.AdminUserID), cfg.AdminAccessToken)
	if err != nil {
		return nil, fmt.Errorf("provisioning: create matrix client: %w", err)
	}

	return &Provisioner{cfg: cfg, admin: cli, syn: &synapseadmin.Client{Client: cli}}, nil
}

func generatePassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

var validLocalpart = regexp.MustCompile(`[^a-z0-9._\-/]`)

// usernameForAgent derives the Matrix localpart deterministically from the
// immutable agent_id — never from the mutable agent_name — so renames
// cannot orphan the Matrix user or its room (P2).
func (p *Provisioner) usernameForAgent(agentID string) (string, error) {
	localpart := "agent_" + strings.ToLower(agentID)
	localpart = validLocalpart.ReplaceAllString(localpart, "_")
	if localpart == "" || localpart == "agent_" {
		return "", fmt.Errorf("agent id %q produces empty Matrix localpart", agentID)
	}
	return localpart + p.cfg.UsernameSuffix, nil
}

func (p *Provisioner) mxidForAgent(agentID string) (id.UserID, error) {
	parts := strings.SplitN(p.cfg.AdminUserID, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid AdminUserID %q: expected @localpart:server", p.cfg.AdminUserID)
	}
	server := parts[1]
	username, err := p.usernameForAgent(agentID)
	if err != nil {
		return "", err
	}
	return id.UserID(fmt.Sprintf("@%s:%s", username, server)), nil
}

// MXIDForAgent exposes the deterministic localpart derivation for callers
// (the Reconciler) that need to check an account's existence before
// deciding whether to provision.
func (p *Provisioner) MXIDForAgent(agentID string) (id.UserID, error) {
	return p.mxidForAgent(agentID)
}

// Register creates a new Matrix account for agentID. Idempotent in spirit:
// callers should only invoke this when the mapping row has no matrix
// credentials yet.
func (p *Provisioner) Register(ctx context.Context, agentID, displayName string) (*ProvisionedAccount, error) {
	traceID := trace.FromContext(ctx)
	password, err := generatePassword()
	if err != nil {
		return nil, err
	}
	mxid, err := p.mxidForAgent(agentID)
	if err != nil {
		return nil, err
	}
	username, err := p.usernameForAgent(agentID)
	if err != nil {
		return nil, err
	}

	slog.Info("provisioning Matrix account", "agent", agentID, "mxid", mxid, "trace", traceID)

	var account *ProvisionedAccount
	switch p.cfg.HomeserverType {
	case HomeserverSynapse:
		account, err = p.registerViaSynapse(ctx, username, password, displayName)
	default:
		account, err = p.registerViaClientAPI(ctx, username, password, displayName)
	}
	if err != nil {
		return nil, err
	}
	account.Password = password
	return account, nil
}

func (p *Provisioner) registerViaSynapse(ctx context.Context, username, password, displayName string) (*ProvisionedAccount, error) {
	req := synapseadmin.ReqSharedSecretRegister{
		Username:    username,
		Password:    password,
		Displayname: displayName,
		UserType:    "bot",
		Admin:       false,
	}
	resp, err := p.syn.SharedSecretRegister(ctx, p.cfg.SharedSecret, req)
	if err != nil {
		return nil, fmt.Errorf("synapse registration failed for %q: %w", username, err)
	}
	return &ProvisionedAccount{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
}

func (p *Provisioner) registerViaClientAPI(ctx context.Context, username, password, displayName string) (*ProvisionedAccount, error) {
	req := &mautrix.ReqRegister{Username: username, Password: password, InitialDeviceDisplayName: displayName}
	resp, err := p.admin.RegisterDummy(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("registration failed for %q: %w", username, err)
	}
	// InitialDeviceDisplayName above only names the login session's device,
	// not the account's profile display name (spec M1: "display name set to
	// agent name"). Set it explicitly as the new account, so the change is
	// attributed to the agent itself rather than the admin.
	cli, err := mautrix.NewClient(p.cfg.Homeserver, resp.UserID, resp.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("build client for %q: %w", resp.UserID, err)
	}
	if err := p.SetDisplayName(ctx, cli, displayName); err != nil {
		return nil, fmt.Errorf("set display name for %q: %w", resp.UserID, err)
	}
	return &ProvisionedAccount{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
}

// SetDisplayName sets an account's profile display name using cli (the
// agent's own client, so the change is attributed correctly).
func (p *Provisioner) SetDisplayName(ctx context.Context, cli *mautrix.Client, name string) error {
	return cli.SetDisplayName(ctx, name)
}

// RoomTopicFor returns the topic text for agentName, per RoomTopicTemplate.
func (p *Provisioner) RoomTopicFor(agentName string) string {
	return fmt.Sprintf(p.cfg.RoomTopicTemplate, agentName)
}

// RoomNameFor returns the canonical room name for agentName (E2E-Discovery:
// "Meridian - Letta Agent Chat").
func (p *Provisioner) RoomNameFor(agentName string) string {
	return agentName + " - Letta Agent Chat"
}

// CreateAgentRoom creates the agent's private room, invited by the agent's
// own id, with the trusted_private_chat preset.
func (p *Provisioner) CreateAgentRoom(ctx context.Context, agentName string, agentUserID id.UserID) (id.RoomID, error) {
	return bmatrix.CreateRoom(ctx, p.admin, bmatrix.CreateRoomSpec{
		Name:   p.RoomNameFor(agentName),
		Topic:  p.RoomTopicFor(agentName),
		Preset: "trusted_private_chat",
		Invite: []id.UserID{agentUserID},
	})
}

// CreateSpace creates the canonical Space room that contains every agent
// room as a child.
func (p *Provisioner) CreateSpace(ctx context.Context, name string) (id.RoomID, error) {
	return bmatrix.CreateRoom(ctx, p.admin, bmatrix.CreateRoomSpec{
		Name:    name,
		Preset:  "private_chat",
		IsSpace: true,
	})
}

// LinkSpace sets m.space.child in the Space and m.space.parent in the
// child room, as required bidirectionally by P6. Both calls are retried
// independently on the next reconcile if either fails.
func (p *Provisioner) LinkSpace(ctx context.Context, spaceRoomID, childRoomID id.RoomID) error {
	childErr := bmatrix.PutState(ctx, p.admin, spaceRoomID, event.StateSpaceChild, childRoomID.String(), map[string]any{
		"via":       []string{homeserverDomain(p.cfg.Homeserver)},
		"suggested": false,
	})
	parentErr := bmatrix.PutState(ctx, p.admin, childRoomID, event.StateSpaceParent, spaceRoomID.String(), map[string]any{
		"via":       []string{homeserverDomain(p.cfg.Homeserver)},
		"canonical": true,
	})
	if childErr != nil {
		return childErr
	}
	return parentErr
}

// UnlinkSpace removes m.space.child for a hard-deleted agent (P6: "removing
// an agent removes m.space.child").
func (p *Provisioner) UnlinkSpace(ctx context.Context, spaceRoomID, childRoomID id.RoomID) error {
	return bmatrix.PutState(ctx, p.admin, spaceRoomID, event.StateSpaceChild, childRoomID.String(), map[string]any{})
}

// RenameAgentRoom updates the room name and topic state events after a
// registry-side rename.
func (p *Provisioner) RenameAgentRoom(ctx context.Context, roomID id.RoomID, newName string) error {
	if err := bmatrix.PutState(ctx, p.admin, roomID, event.StateRoomName, "", map[string]any{"name": p.RoomNameFor(newName)}); err != nil {
		return err
	}
	return bmatrix.PutState(ctx, p.admin, roomID, event.StateTopic, "", map[string]any{"topic": p.RoomTopicFor(newName)})
}

// InviteCoreUsers invites each configured core user into roomID, consulting
// InvitationStatus first so already-joined users are never re-invited (the
// source's "200 logins/s" bug this spec explicitly forbids repeating).
// statusOf/record let the caller (the Reconciler) thread this through the
// Mapping Store's invitation_status table.
func (p *Provisioner) InviteCoreUsers(ctx context.Context, roomID id.RoomID, statusOf func(mxid string) (joined bool), record func(mxid, status string)) []error {
	var errs []error
	for _, mxid := range p.cfg.CoreUserIDs {
		if statusOf(mxid) {
			continue
		}
		if err := bmatrix.Invite(ctx, p.admin, roomID, id.UserID(mxid)); err != nil {
			record(mxid, "failed")
			errs = append(errs, fmt.Errorf("invite %s: %w", mxid, err))
			continue
		}
		record(mxid, "pending")
	}
	return errs
}

// Deactivate deactivates a hard-deleted agent's Matrix account.
func (p *Provisioner) Deactivate(ctx context.Context, userID id.UserID) error {
	if p.cfg.HomeserverType != HomeserverSynapse {
		slog.Warn("deactivation not supported for homeserver type; skipping", "type", p.cfg.HomeserverType, "mxid", userID)
		return nil
	}
	if err := p.syn.DeactivateAccount(ctx, userID, synapseadmin.ReqDeleteUser{Erase: false}); err != nil {
		return fmt.Errorf("deactivate %s: %w", userID, err)
	}
	return nil
}

func homeserverDomain(homeserverURL string) string {
	u := strings.TrimPrefix(homeserverURL, "https://")
	u = strings.TrimPrefix(u, "http://")
	if i := strings.IndexAny(u, ":/"); i >= 0 {
		u = u[:i]
	}
	return u
}
