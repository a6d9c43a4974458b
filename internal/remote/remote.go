package remote

import (
	"context"
	"time"

	"github.com/noah-isme/rostersync/internal/models"
)

// Store is the authoritative multi-client document store. One collection per
// entity type, document key = entity ID, every document carries the writer's
// updated_at stamp. The store's unit of atomicity is the single document;
// cross-document transactions are neither offered nor required.
//
// Drivers enforce the assessment write rule server-side: a write to an
// assessment document whose stored copy has exported_to_admin=true is refused
// unless the actor holds the admin role. Transport failures are wrapped with
// the sync error code so callers can tell them apart from logical
// rejections.
type Store interface {
	// Put writes one document, replacing any prior version whole.
	Put(ctx context.Context, c models.Collection, doc models.Document, actor models.Actor) error
	// Delete removes one document.
	Delete(ctx context.Context, c models.Collection, id string, actor models.Actor) error
	// Get fetches one document. Missing documents return a not-found error.
	Get(ctx context.Context, c models.Collection, id string) (*models.Document, error)
	// List fetches every document in a collection.
	List(ctx context.Context, c models.Collection) ([]models.Document, error)
	// Subscribe opens the change feed for one collection. The feed first
	// delivers the collection's current documents as added events, then live
	// changes. The channel closes when the context is cancelled or the feed
	// breaks beyond the driver's own recovery; the subscriber resubscribes
	// with backoff.
	Subscribe(ctx context.Context, c models.Collection) (<-chan models.ChangeEvent, error)
	// Ping probes connectivity. Used by the replay loop to detect
	// restoration.
	Ping(ctx context.Context) error
	Close() error

	CredentialStore
}

// Credential is an account's login secret, held in dedicated storage that is
// never part of any synchronized collection and never reaches the change
// feed.
type Credential struct {
	AccountID    string `db:"account_id"`
	UsernameKey  string `db:"username_key"`
	PasswordHash string `db:"password_hash"`
}

// CredentialStore manages credential hashes and refresh tokens on the remote
// store, outside the document collections.
type CredentialStore interface {
	PutCredential(ctx context.Context, cred Credential) error
	GetCredential(ctx context.Context, usernameKey string) (*Credential, error)
	DeleteCredential(ctx context.Context, accountID string) error

	SaveRefreshToken(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error
	AccountIDByRefreshToken(ctx context.Context, tokenHash string) (string, error)
	DeleteRefreshToken(ctx context.Context, tokenHash string) error
	// RevokeRefreshTokens drops every live session of one account. Used on
	// password change and account deletion.
	RevokeRefreshTokens(ctx context.Context, accountID string) error
}
