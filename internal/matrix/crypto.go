package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/persistence"
)

// cryptoEngine is the olm machine surface the session drives.
type cryptoEngine interface {
	megolmDecrypter
	EncryptMegolmEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, content interface{}) (*event.EncryptedEventContent, error)
	ShareGroupSession(ctx context.Context, roomID id.RoomID, users []id.UserID) error
	ProcessSyncResponse(ctx context.Context, resp *mautrix.RespSync, since string) bool
	HandleMemberEvent(ctx context.Context, evt *event.Event)
}

type cryptoSetup struct {
	machine *crypto.OlmMachine
	db      *sql.DB
}

func (c *cryptoSetup) Close() error {
	if c == nil || c.db == nil {
		return nil
	}

	return c.db.Close()
}

// openCrypto loads (or creates) the olm account for the client's device and
// uploads device and one-time keys.
func openCrypto(ctx context.Context, client *mautrix.Client, log zerolog.Logger, storePath string, pickleKey []byte, state *RoomStateCache) (*cryptoSetup, error) {
	if client.DeviceID == "" {
		return nil, errors.New("crypto requires a device id")
	}
	if len(pickleKey) == 0 {
		return nil, errors.New("crypto requires a pickle key")
	}

	sqlDB, err := persistence.OpenRaw(ctx, storePath)
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}
	db, err := dbutil.NewWithDB(sqlDB, "sqlite3")
	if err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("wrap crypto store: %w", err)
	}

	store := crypto.NewSQLCryptoStore(db, dbutil.ZeroLogger(log.With().Str("db", "crypto").Logger()), client.UserID.String(), client.DeviceID, pickleKey)
	if err := store.DB.Upgrade(ctx); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("upgrade crypto store: %w", err)
	}

	cryptoLog := log.With().Str("component", "crypto").Logger()
	machine := crypto.NewOlmMachine(client, &cryptoLog, store, state)
	if err := machine.Load(ctx); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("load olm account: %w", err)
	}
	if err := machine.ShareKeys(ctx, -1); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("upload device keys: %w", err)
	}

	return &cryptoSetup{machine: machine, db: sqlDB}, nil
}
