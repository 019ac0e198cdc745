// Package matrix is the bridge's thin client-server adapter (spec component
// L3). Unlike a single-bot-identity client, it exposes one *mautrix.Client
// per Matrix identity the bridge needs to act as: the bridge bot (sync
// ingest only), the homeserver admin (provisioning), and each agent's own
// account (so replies are authored by the agent, not the bot).
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/berrors"
)

// Config holds the bridge bot's own identity and sync configuration. Other
// identities (admin, agents) are added to the same Adapter via ClientFor.
type Config struct {
	Homeserver  string
	BotUserID   string
	BotToken    string
	AdminRooms  []string
	SyncTimeout time.Duration
	// DB is an optional SQLite connection used to persist the sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and room history replays on every restart.
	DB *sql.DB
}

// MessageHandler processes one accepted timeline event from the bot's sync
// loop. It is the M3 Sync Ingestor's entry point.
type MessageHandler func(ctx context.Context, roomID id.RoomID, evt *event.Event)

// InviteHandler decides whether to auto-join a room the bot was invited to.
// It is the M3 Sync Ingestor's Ingestor.HandleInvite.
type InviteHandler func(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, inviter id.UserID) error

// Adapter is the L3 Matrix API Adapter: it owns the bridge bot's sync
// client and a cache of per-identity clients used to act as agents or the
// admin account.
type Adapter struct {
	cfg    Config
	bot    *mautrix.Client
	tokens *tokenCache
	stopCh chan struct{}
}

// New constructs an Adapter whose sync loop runs as the bridge bot.
func New(cfg Config) (*Adapter, error) {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	bot, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.BotUserID), cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create bot client: %w", err)
	}
	if cfg.DB != nil {
		bot.Store = NewDBSyncStore(cfg.DB)
	} else {
		slog.Warn("matrix: no DB configured for sync store; room history will replay on restart")
	}
	return &Adapter{
		cfg:    cfg,
		bot:    bot,
		tokens: newTokenCache(),
		stopCh: make(chan struct{}),
	}, nil
}

// ClientFor returns a mautrix.Client authenticated as userID, caching it so
// repeated calls for the same identity reuse the same connection. This is
// how the bridge posts agent replies under the agent's own Matrix user
// rather than the bot's (spec L3 invariant).
func (a *Adapter) ClientFor(userID, token string) (*mautrix.Client, error) {
	return a.tokens.getOrCreate(a.cfg.Homeserver, userID, token)
}

// ClientForAgent returns a mautrix.Client authenticated as an agent's own
// account, logging in with password if not already cached. Agent accounts
// only have a durably stored password (see common/crypto at-rest
// encryption in the Reconciler); unlike ClientFor, which takes an
// already-issued token, this performs the login itself.
func (a *Adapter) ClientForAgent(ctx context.Context, userID id.UserID, password string) (*mautrix.Client, error) {
	return a.tokens.loginOrCreate(ctx, a.cfg.Homeserver, string(userID), password)
}

// Start begins the bot's long-poll sync loop, dispatching accepted events to
// handler, and invite state events to onInvite (nil disables auto-join
// entirely). Mirrors the teacher's exponential-backoff reconnect loop.
func (a *Adapter) Start(ctx context.Context, handler MessageHandler, onInvite InviteHandler) error {
	slog.Warn("Matrix E2EE is not enabled; messages are transmitted in plaintext")

	syncer := a.bot.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		handler(ctx, evt.RoomID, evt)
	})

	if onInvite != nil {
		syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
			if evt.StateKey == nil || id.UserID(*evt.StateKey) != id.UserID(a.cfg.BotUserID) {
				return
			}
			member := evt.Content.AsMember()
			if member == nil || member.Membership != event.MembershipInvite {
				return
			}
			if err := onInvite(ctx, a.bot, evt.RoomID, evt.Sender); err != nil {
				slog.Error("matrix: invite handler failed", "room", evt.RoomID, "inviter", evt.Sender, "err", err)
			}
		})
	}

	for _, roomID := range a.cfg.AdminRooms {
		if err := a.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("matrix: join admin room %s: %w", roomID, err)
		}
	}

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			if err := a.bot.Sync(); err != nil {
				select {
				case <-a.stopCh:
					return
				default:
				}
				slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-a.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			return
		}
	}()

	return nil
}

// Stop halts the bot's sync loop.
func (a *Adapter) Stop() {
	close(a.stopCh)
	a.bot.StopSync()
}

// BotUserID returns the bridge bot's own Matrix user id.
func (a *Adapter) BotUserID() string {
	return a.cfg.BotUserID
}

// BotClient returns the mautrix.Client authenticated as the bridge bot
// itself, for callers (e.g. the Router's NoticeFunc) that need to act as
// the bot rather than as an agent or the admin.
func (a *Adapter) BotClient() *mautrix.Client {
	return a.bot
}

// SendNotice posts a plain-text notice to roomID as the bridge bot. It
// satisfies audit.Sender for the Matrix audit room notifier.
func (a *Adapter) SendNotice(ctx context.Context, roomID, message string) error {
	_, err := SendMessage(ctx, a.bot, id.RoomID(roomID), message)
	return err
}

// ForgetIdentity evicts a cached per-user client after an AuthExpired error,
// so the next ClientFor call re-validates with a freshly issued token.
func (a *Adapter) ForgetIdentity(userID string) {
	a.tokens.Forget(userID)
}

func (a *Adapter) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := a.bot.JoinRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// NewTxnID generates a fresh transaction id for send_message/edit_message
// calls. The same id is deliberately reused on a retry of the same logical
// send so the homeserver can de-duplicate it (R2).
func NewTxnID() string {
	return uuid.NewString()
}

// CreateRoomSpec describes a room to create via CreateRoom.
type CreateRoomSpec struct {
	Name          string
	Topic         string
	Preset        string // "trusted_private_chat" for agent rooms
	IsSpace       bool
	Invite        []id.UserID
	PowerLevelMap map[id.UserID]int
}

// CreateRoom creates a room (or a Space, when spec.IsSpace is set) using cli
// (the caller picks which identity creates it — usually the admin).
func CreateRoom(ctx context.Context, cli *mautrix.Client, spec CreateRoomSpec) (id.RoomID, error) {
	req := &mautrix.ReqCreateRoom{
		Name:   spec.Name,
		Topic:  spec.Topic,
		Preset: spec.Preset,
		Invite: spec.Invite,
	}
	if spec.IsSpace {
		req.CreationContent = map[string]any{"type": event.RoomTypeSpace}
	}
	if len(spec.PowerLevelMap) > 0 {
		pl := &event.PowerLevelsEventContent{Users: map[id.UserID]int{}}
		for u, lvl := range spec.PowerLevelMap {
			pl.Users[u] = lvl
		}
		req.InitialState = append(req.InitialState, &event.Event{
			Type:    event.StatePowerLevels,
			Content: event.Content{Parsed: pl},
		})
	}

	resp, err := cli.CreateRoom(ctx, req)
	if err != nil {
		return "", berrors.Wrap(berrors.KindTransientNetwork, "create_room failed", err)
	}
	return resp.RoomID, nil
}

// PutState sets room state (m.space.child, m.space.parent, m.room.name,
// m.room.topic, power levels) using cli.
func PutState(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, evtType event.Type, stateKey string, body any) error {
	_, err := cli.SendStateEvent(ctx, roomID, evtType, stateKey, body)
	if err != nil {
		return berrors.Wrap(berrors.KindTransientNetwork, fmt.Sprintf("put_state %s failed", evtType), err)
	}
	return nil
}

// Invite invites userID to roomID using cli.
func Invite(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, userID id.UserID) error {
	_, err := cli.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return berrors.Wrap(berrors.KindConflict, "invite: already invited or joined", err)
		}
		return berrors.Wrap(berrors.KindTransientNetwork, "invite failed", err)
	}
	return nil
}

// Join joins roomID as cli's own identity.
func Join(ctx context.Context, cli *mautrix.Client, roomID id.RoomID) error {
	_, err := cli.JoinRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return nil
		}
		return berrors.Wrap(berrors.KindTransientNetwork, "join failed", err)
	}
	return nil
}

// IsDirectMessage reports whether roomID currently has exactly two joined
// members, the Router's signal for per-user vs per-room conversation
// strategy (spec C1).
func IsDirectMessage(ctx context.Context, cli *mautrix.Client, roomID id.RoomID) (bool, error) {
	resp, err := cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return false, berrors.Wrap(berrors.KindTransientNetwork, "joined_members failed", err)
	}
	return len(resp.Joined) == 2, nil
}

// SendMessage sends a plain-text message as cli's identity, flagged
// m.bridge_originated so the ingestor's filter 4 drops the echo.
func SendMessage(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, body string) (id.EventID, error) {
	content := bridgeOriginated(map[string]any{"msgtype": event.MsgText, "body": body})
	resp, err := cli.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{TransactionID: NewTxnID()})
	if err != nil {
		return "", berrors.Wrap(berrors.KindTransientNetwork, "send_message failed", err)
	}
	return resp.EventID, nil
}

// SendReply sends a message replying to originalEventID and mentioning
// mentionUserID, flagged m.bridge_originated (spec C2 common rules).
func SendReply(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, body, html string, originalEventID id.EventID, mentionUserID id.UserID) (id.EventID, error) {
	content := map[string]any{
		"msgtype": event.MsgText,
		"body":    body,
		"m.relates_to": map[string]any{
			"m.in_reply_to": map[string]any{"event_id": originalEventID},
		},
		"m.mentions": map[string]any{"user_ids": []id.UserID{mentionUserID}},
	}
	if html != "" {
		content["format"] = event.FormatHTML
		content["formatted_body"] = html
	}
	resp, err := cli.SendMessageEvent(ctx, roomID, event.EventMessage, bridgeOriginated(content), mautrix.ReqSendEvent{TransactionID: NewTxnID()})
	if err != nil {
		return "", berrors.Wrap(berrors.KindTransientNetwork, "send_message (reply) failed", err)
	}
	return resp.EventID, nil
}

// EditMessage replaces the body of originalEventID via m.relates_to{rel_type:
// m.replace}, flagged m.bridge_originated.
func EditMessage(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, originalEventID id.EventID, newBody, newHTML string) error {
	newContent := map[string]any{"msgtype": event.MsgText, "body": newBody}
	if newHTML != "" {
		newContent["format"] = event.FormatHTML
		newContent["formatted_body"] = newHTML
	}
	content := map[string]any{
		"msgtype":     event.MsgText,
		"body":        "* " + newBody,
		"m.new_content": newContent,
		"m.relates_to": map[string]any{
			"rel_type": event.RelReplace,
			"event_id": originalEventID,
		},
	}
	_, err := cli.SendMessageEvent(ctx, roomID, event.EventMessage, bridgeOriginated(content), mautrix.ReqSendEvent{TransactionID: NewTxnID()})
	if err != nil {
		return berrors.Wrap(berrors.KindTransientNetwork, "edit_message failed", err)
	}
	return nil
}

// Redact redacts eventID in roomID using cli's identity.
func Redact(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, eventID id.EventID) error {
	_, err := cli.RedactEvent(ctx, roomID, eventID)
	if err != nil {
		return berrors.Wrap(berrors.KindTransientNetwork, "redact failed", err)
	}
	return nil
}

// bridgeOriginated sets the m.bridge_originated content flag used by the
// Sync Ingestor's filter 4 to recognize (and drop) its own traffic. Content
// is sent as a raw map rather than event.MessageEventContent so this
// bridge-specific flag rides alongside the standard fields without needing
// a custom (un)marshaler.
func bridgeOriginated(content map[string]any) map[string]any {
	content["m.bridge_originated"] = true
	return content
}

