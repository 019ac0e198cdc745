package app

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
)

// passwordLogin exchanges a username/password for a long-lived access
// token, used once at boot for the bridge bot and admin identities (spec
// L3/M1 both consume a pre-issued access token; only agent accounts log in
// lazily with a stored password via matrix.Adapter.ClientForAgent).
func passwordLogin(ctx context.Context, homeserver, user, password string) (string, error) {
	cli, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return "", fmt.Errorf("bootstrap login %s: %w", user, err)
	}
	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type:             mautrix.AuthTypePassword,
		Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: user},
		Password:         password,
		StoreCredentials: true,
	})
	if err != nil {
		return "", fmt.Errorf("bootstrap login %s: %w", user, err)
	}
	return resp.AccessToken, nil
}
