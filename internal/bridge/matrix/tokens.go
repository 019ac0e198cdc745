package matrix

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// tokenCache caches one mautrix.Client per Matrix user id, modeled on the
// teacher's small self-contained mutex-guarded structures (e.g. the
// webhook proxy's rate limiter): one map, one mutex, no lock-free cleverness
// needed at this scale.
type tokenCache struct {
	mu      sync.RWMutex
	clients map[string]*mautrix.Client
}

func newTokenCache() *tokenCache {
	return &tokenCache{clients: make(map[string]*mautrix.Client)}
}

// getOrCreate returns the cached client for userID, re-validating lazily:
// the cache holds whatever token the caller supplies, and it is the
// caller's responsibility to evict (via Forget) on a 401 and call
// getOrCreate again with a freshly issued token.
func (c *tokenCache) getOrCreate(homeserver, userID, token string) (*mautrix.Client, error) {
	c.mu.RLock()
	cli, ok := c.clients[userID]
	c.mu.RUnlock()
	if ok {
		return cli, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[userID]; ok {
		return cli, nil
	}

	cli, err := mautrix.NewClient(homeserver, id.UserID(userID), token)
	if err != nil {
		return nil, err
	}
	c.clients[userID] = cli
	return cli, nil
}

// Forget evicts userID's cached client, forcing the next getOrCreate to
// build a fresh one with a re-validated token.
func (c *tokenCache) Forget(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, userID)
}

// loginOrCreate returns the cached client for userID, or logs in with
// password (spec L3's login(user, password) → token, device_id operation)
// and caches the resulting authenticated client. Used for agent accounts,
// whose only durably stored credential is their password — unlike the bot
// and admin accounts, which are configured with a long-lived access token.
func (c *tokenCache) loginOrCreate(ctx context.Context, homeserver, userID, password string) (*mautrix.Client, error) {
	c.mu.RLock()
	cli, ok := c.clients[userID]
	c.mu.RUnlock()
	if ok {
		return cli, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[userID]; ok {
		return cli, nil
	}

	cli, err := mautrix.NewClient(homeserver, id.UserID(userID), "")
	if err != nil {
		return nil, err
	}
	_, err = cli.Login(ctx, &mautrix.ReqLogin{
		Type:             mautrix.AuthTypePassword,
		Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: userID},
		Password:         password,
		StoreCredentials: true,
	})
	if err != nil {
		return nil, fmt.Errorf("login as %s: %w", userID, err)
	}
	c.clients[userID] = cli
	return cli, nil
}
