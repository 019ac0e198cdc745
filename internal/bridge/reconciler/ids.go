package reconciler

import (
	"database/sql"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
)

func roomIDOf(m *store.AgentMapping) id.RoomID {
	return roomID(nullStringOr(m.RoomID, ""))
}

func userIDOf(m *store.AgentMapping) id.UserID {
	return id.UserID(m.MatrixUserID)
}

func roomID(s string) id.RoomID {
	return id.RoomID(s)
}

func nullStringOr(v sql.NullString, fallback string) string {
	if v.Valid {
		return v.String
	}
	return fallback
}
