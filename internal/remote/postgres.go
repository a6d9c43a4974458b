package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

const (
	opPut    = "put"
	opDelete = "delete"

	feedBuffer = 64

	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT        NOT NULL,
    id         TEXT        NOT NULL,
    data       JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS credentials (
    account_id    TEXT PRIMARY KEY,
    username_key  TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS refresh_tokens (
    token_hash TEXT        PRIMARY KEY,
    account_id TEXT        NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);`

// notifyPayload rides on pg_notify. NOTIFY payloads are size-limited, so it
// carries only the operation and document key; subscribers re-fetch the
// document.
type notifyPayload struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

// PostgresStore implements Store on PostgreSQL: documents in a JSONB table,
// the change feed over LISTEN/NOTIFY.
type PostgresStore struct {
	db     *sqlx.DB
	dsn    string
	logger *zap.Logger
}

// NewPostgresStore prepares the schema and returns the driver. The dsn is
// kept for change feed listeners, which need their own connections.
func NewPostgresStore(db *sqlx.DB, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PostgresStore{db: db, dsn: dsn, logger: logger}
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "prepare document schema")
	}
	return s, nil
}

// channelFor maps a collection to its NOTIFY channel.
func channelFor(c models.Collection) string {
	return "rostersync_" + string(c)
}

// Put writes one document and notifies the collection channel in the same
// transaction, so a committed write is always announced.
func (s *PostgresStore) Put(ctx context.Context, c models.Collection, doc models.Document, actor models.Actor) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "begin document write")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.checkWriteRule(ctx, tx, c, doc.ID, actor); err != nil {
		return err
	}

	const upsert = `INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	if _, err := tx.ExecContext(ctx, upsert, string(c), doc.ID, []byte(doc.Data), doc.UpdatedAt); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "put document")
	}

	if err := notify(ctx, tx, c, opPut, doc.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "commit document write")
	}
	return nil
}

// Delete removes one document and notifies the collection channel.
func (s *PostgresStore) Delete(ctx context.Context, c models.Collection, id string, actor models.Actor) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "begin document delete")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.checkWriteRule(ctx, tx, c, id, actor); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, string(c), id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "delete document")
	}

	if err := notify(ctx, tx, c, opDelete, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "commit document delete")
	}
	return nil
}

// checkWriteRule enforces the store-side lock: writes to an exported
// assessment document require the admin role, no matter what the writing
// client's cached copy claimed. Locks the row so a concurrent export and a
// stale write serialize.
func (s *PostgresStore) checkWriteRule(ctx context.Context, tx *sqlx.Tx, c models.Collection, id string, actor models.Actor) error {
	if c != models.CollectionAssessments || actor.IsAdmin() {
		return nil
	}
	var exported bool
	err := tx.GetContext(ctx, &exported,
		`SELECT COALESCE((data->>'exported_to_admin')::boolean, false) FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		string(c), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "check document lock")
	}
	if exported {
		return appErrors.Clone(appErrors.ErrLocked, "assessment exported to admin; writes require admin role")
	}
	return nil
}

func notify(ctx context.Context, tx *sqlx.Tx, c models.Collection, op, id string) error {
	payload, err := json.Marshal(notifyPayload{Op: op, ID: id})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "encode change notification")
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channelFor(c), string(payload)); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "announce document change")
	}
	return nil
}

// Get fetches one document.
func (s *PostgresStore) Get(ctx context.Context, c models.Collection, id string) (*models.Document, error) {
	var doc models.Document
	err := s.db.GetContext(ctx, &doc,
		`SELECT id, data, updated_at FROM documents WHERE collection = $1 AND id = $2`, string(c), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "get document")
	}
	return &doc, nil
}

// List fetches every document in a collection.
func (s *PostgresStore) List(ctx context.Context, c models.Collection) ([]models.Document, error) {
	var docs []models.Document
	err := s.db.SelectContext(ctx, &docs,
		`SELECT id, data, updated_at FROM documents WHERE collection = $1 ORDER BY id`, string(c))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "list documents")
	}
	return docs, nil
}

// Subscribe opens the change feed for one collection. Each subscription owns
// a dedicated LISTEN connection. After the listener reconnects, notifications
// may have been missed, so the stream re-delivers the full collection;
// redelivery is safe because the subscriber re-runs conflict resolution.
func (s *PostgresStore) Subscribe(ctx context.Context, c models.Collection) (<-chan models.ChangeEvent, error) {
	listener := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("change feed listener event",
				zap.String("collection", string(c)),
				zap.Int("event", int(ev)),
				zap.Error(err))
		}
	})
	if err := listener.Listen(channelFor(c)); err != nil {
		_ = listener.Close()
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "open change feed")
	}

	out := make(chan models.ChangeEvent, feedBuffer)
	go s.stream(ctx, c, listener, out)
	return out, nil
}

func (s *PostgresStore) stream(ctx context.Context, c models.Collection, listener *pq.Listener, out chan<- models.ChangeEvent) {
	defer close(out)
	defer listener.Close() //nolint:errcheck

	if !s.deliverAll(ctx, c, out) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// The listener reconnected. Re-deliver current state to cover
				// anything announced while disconnected.
				if !s.deliverAll(ctx, c, out) {
					return
				}
				continue
			}
			var p notifyPayload
			if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
				s.logger.Warn("malformed change notification",
					zap.String("collection", string(c)),
					zap.String("payload", n.Extra),
					zap.Error(err))
				continue
			}
			if !s.deliverOne(ctx, c, p, out) {
				return
			}
		}
	}
}

// deliverAll emits the collection's current documents as added events.
// Returns false when the stream should end.
func (s *PostgresStore) deliverAll(ctx context.Context, c models.Collection, out chan<- models.ChangeEvent) bool {
	docs, err := s.List(ctx, c)
	if err != nil {
		s.logger.Warn("change feed bootstrap failed", zap.String("collection", string(c)), zap.Error(err))
		return false
	}
	for i := range docs {
		doc := docs[i]
		ev := models.ChangeEvent{Kind: models.ChangeAdded, Collection: c, ID: doc.ID, Doc: &doc}
		select {
		case out <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *PostgresStore) deliverOne(ctx context.Context, c models.Collection, p notifyPayload, out chan<- models.ChangeEvent) bool {
	var ev models.ChangeEvent
	switch p.Op {
	case opDelete:
		ev = models.ChangeEvent{Kind: models.ChangeRemoved, Collection: c, ID: p.ID}
	default:
		doc, err := s.Get(ctx, c, p.ID)
		if appErrors.Is(err, appErrors.ErrNotFound) {
			// Deleted between the notification and the fetch.
			ev = models.ChangeEvent{Kind: models.ChangeRemoved, Collection: c, ID: p.ID}
		} else if err != nil {
			s.logger.Warn("change feed fetch failed", zap.String("collection", string(c)), zap.String("id", p.ID), zap.Error(err))
			return false
		} else {
			ev = models.ChangeEvent{Kind: models.ChangeModified, Collection: c, ID: p.ID, Doc: doc}
		}
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Ping probes the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "ping document store")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// PutCredential stores or replaces an account's credential hash.
func (s *PostgresStore) PutCredential(ctx context.Context, cred Credential) error {
	const query = `INSERT INTO credentials (account_id, username_key, password_hash) VALUES ($1, $2, $3)
        ON CONFLICT (account_id) DO UPDATE SET username_key = EXCLUDED.username_key, password_hash = EXCLUDED.password_hash`
	if _, err := s.db.ExecContext(ctx, query, cred.AccountID, cred.UsernameKey, cred.PasswordHash); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "put credential")
	}
	return nil
}

// GetCredential fetches a credential by normalized username.
func (s *PostgresStore) GetCredential(ctx context.Context, usernameKey string) (*Credential, error) {
	var cred Credential
	err := s.db.GetContext(ctx, &cred,
		`SELECT account_id, username_key, password_hash FROM credentials WHERE username_key = $1`, usernameKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "credential not found")
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "get credential")
	}
	return &cred, nil
}

// DeleteCredential removes an account's credential and refresh tokens.
func (s *PostgresStore) DeleteCredential(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE account_id = $1`, accountID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "delete credential")
	}
	return s.RevokeRefreshTokens(ctx, accountID)
}

// RevokeRefreshTokens drops every refresh token of one account.
func (s *PostgresStore) RevokeRefreshTokens(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE account_id = $1`, accountID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "revoke refresh tokens")
	}
	return nil
}

// SaveRefreshToken stores a hashed refresh token.
func (s *PostgresStore) SaveRefreshToken(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error {
	const query = `INSERT INTO refresh_tokens (token_hash, account_id, expires_at) VALUES ($1, $2, $3)
        ON CONFLICT (token_hash) DO UPDATE SET account_id = EXCLUDED.account_id, expires_at = EXCLUDED.expires_at`
	if _, err := s.db.ExecContext(ctx, query, tokenHash, accountID, expiresAt); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "save refresh token")
	}
	return nil
}

// AccountIDByRefreshToken resolves a live refresh token to its account.
func (s *PostgresStore) AccountIDByRefreshToken(ctx context.Context, tokenHash string) (string, error) {
	var accountID string
	err := s.db.GetContext(ctx, &accountID,
		`SELECT account_id FROM refresh_tokens WHERE token_hash = $1 AND expires_at > NOW()`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", appErrors.Clone(appErrors.ErrUnauthorized, "refresh token expired or unknown")
	}
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "look up refresh token")
	}
	return accountID, nil
}

// DeleteRefreshToken revokes one refresh token.
func (s *PostgresStore) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "delete refresh token")
	}
	return nil
}
