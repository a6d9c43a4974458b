package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

const (
	docKeyPrefix      = "rostersync:doc:"
	feedKeyPrefix     = "rostersync:feed:"
	credKeyPrefix     = "rostersync:cred:"
	credIndexPrefix   = "rostersync:credid:"
	refreshKeyPrefix  = "rostersync:refresh:"
	refreshAcctPrefix = "rostersync:refreshacct:"

	maxTxRetries = 5
)

// feedEvent is the published form of a change notification. Unlike the
// NOTIFY payload on PostgreSQL, Redis pub/sub has no tight size limit, so the
// document rides along and subscribers skip the re-fetch.
type feedEvent struct {
	Kind string           `json:"kind"`
	ID   string           `json:"id"`
	Doc  *models.Document `json:"doc,omitempty"`
}

// RedisStore implements Store on Redis: one hash per collection keyed by
// document ID, the change feed over pub/sub channels.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore returns the driver.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

func docKey(c models.Collection) string     { return docKeyPrefix + string(c) }
func feedKey(c models.Collection) string    { return feedKeyPrefix + string(c) }
func credKey(usernameKey string) string     { return credKeyPrefix + usernameKey }
func credIndexKey(accountID string) string  { return credIndexPrefix + accountID }
func refreshKey(tokenHash string) string    { return refreshKeyPrefix + tokenHash }
func refreshAcctKey(accountID string) string { return refreshAcctPrefix + accountID }

// Put writes one document and publishes the change. The write-rule check and
// the write run under WATCH so a concurrent export cannot race a stale edit.
func (s *RedisStore) Put(ctx context.Context, c models.Collection, doc models.Document, actor models.Actor) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "encode document")
	}
	event, err := json.Marshal(feedEvent{Kind: string(models.ChangeModified), ID: doc.ID, Doc: &doc})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "encode change event")
	}

	key := docKey(c)
	txf := func(tx *redis.Tx) error {
		if err := s.checkWriteRule(ctx, tx, c, doc.ID, actor); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, doc.ID, payload)
			pipe.Publish(ctx, feedKey(c), event)
			return nil
		})
		return err
	}
	return s.watch(ctx, txf, key, "put document")
}

// Delete removes one document and publishes the removal.
func (s *RedisStore) Delete(ctx context.Context, c models.Collection, id string, actor models.Actor) error {
	event, err := json.Marshal(feedEvent{Kind: string(models.ChangeRemoved), ID: id})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "encode change event")
	}

	key := docKey(c)
	txf := func(tx *redis.Tx) error {
		if err := s.checkWriteRule(ctx, tx, c, id, actor); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, id)
			pipe.Publish(ctx, feedKey(c), event)
			return nil
		})
		return err
	}
	return s.watch(ctx, txf, key, "delete document")
}

// watch runs txf under WATCH with a bounded retry on contention.
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, key, action string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return err
		}
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, action)
	}
	return appErrors.Clone(appErrors.ErrSync, action+": write contention")
}

// checkWriteRule enforces the store-side lock on exported assessment
// documents for non-admin writers.
func (s *RedisStore) checkWriteRule(ctx context.Context, tx *redis.Tx, c models.Collection, id string, actor models.Actor) error {
	if c != models.CollectionAssessments || actor.IsAdmin() {
		return nil
	}
	raw, err := tx.HGet(ctx, docKey(c), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "check document lock")
	}
	var doc models.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		s.logger.Warn("malformed stored document", zap.String("collection", string(c)), zap.String("id", id), zap.Error(err))
		return nil
	}
	var flags struct {
		ExportedToAdmin bool `json:"exported_to_admin"`
	}
	if err := json.Unmarshal(doc.Data, &flags); err != nil {
		return nil
	}
	if flags.ExportedToAdmin {
		return appErrors.Clone(appErrors.ErrLocked, "assessment exported to admin; writes require admin role")
	}
	return nil
}

// Get fetches one document.
func (s *RedisStore) Get(ctx context.Context, c models.Collection, id string) (*models.Document, error) {
	raw, err := s.client.HGet(ctx, docKey(c), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "get document")
	}
	var doc models.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "decode document")
	}
	return &doc, nil
}

// List fetches every document in a collection, ordered by ID.
func (s *RedisStore) List(ctx context.Context, c models.Collection) ([]models.Document, error) {
	raw, err := s.client.HGetAll(ctx, docKey(c)).Result()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "list documents")
	}
	docs := make([]models.Document, 0, len(raw))
	for id, val := range raw {
		var doc models.Document
		if err := json.Unmarshal([]byte(val), &doc); err != nil {
			s.logger.Warn("malformed stored document", zap.String("collection", string(c)), zap.String("id", id), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Subscribe opens the change feed for one collection. The stream delivers the
// full collection on every subscription notice, so the initial connect and
// any pub/sub reconnect both replay current state; subscribers re-run
// conflict resolution, which makes the replay safe.
func (s *RedisStore) Subscribe(ctx context.Context, c models.Collection) (<-chan models.ChangeEvent, error) {
	sub := s.client.Subscribe(ctx, feedKey(c))
	out := make(chan models.ChangeEvent, feedBuffer)
	go s.stream(ctx, c, sub, out)
	return out, nil
}

func (s *RedisStore) stream(ctx context.Context, c models.Collection, sub *redis.PubSub, out chan<- models.ChangeEvent) {
	defer close(out)
	defer sub.Close() //nolint:errcheck

	ch := sub.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			switch msg := m.(type) {
			case *redis.Subscription:
				if msg.Kind != "subscribe" {
					continue
				}
				if !s.deliverAll(ctx, c, out) {
					return
				}
			case *redis.Message:
				var fe feedEvent
				if err := json.Unmarshal([]byte(msg.Payload), &fe); err != nil {
					s.logger.Warn("malformed change event", zap.String("collection", string(c)), zap.Error(err))
					continue
				}
				ev := models.ChangeEvent{Kind: models.ChangeKind(fe.Kind), Collection: c, ID: fe.ID, Doc: fe.Doc}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *RedisStore) deliverAll(ctx context.Context, c models.Collection, out chan<- models.ChangeEvent) bool {
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

// Ping probes the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "ping document store")
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// PutCredential stores or replaces an account's credential hash, dropping the
// old username mapping when the username changed.
func (s *RedisStore) PutCredential(ctx context.Context, cred Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "encode credential")
	}
	oldKey, err := s.client.Get(ctx, credIndexKey(cred.AccountID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "look up credential index")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if oldKey != "" && oldKey != cred.UsernameKey {
			pipe.Del(ctx, credKey(oldKey))
		}
		pipe.Set(ctx, credKey(cred.UsernameKey), payload, 0)
		pipe.Set(ctx, credIndexKey(cred.AccountID), cred.UsernameKey, 0)
		return nil
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "put credential")
	}
	return nil
}

// GetCredential fetches a credential by normalized username.
func (s *RedisStore) GetCredential(ctx context.Context, usernameKey string) (*Credential, error) {
	raw, err := s.client.Get(ctx, credKey(usernameKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "credential not found")
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "get credential")
	}
	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "decode credential")
	}
	return &cred, nil
}

// DeleteCredential removes an account's credential and refresh tokens.
func (s *RedisStore) DeleteCredential(ctx context.Context, accountID string) error {
	usernameKey, err := s.client.Get(ctx, credIndexKey(accountID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "look up credential index")
	}
	hashes, err := s.client.SMembers(ctx, refreshAcctKey(accountID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "list refresh tokens")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if usernameKey != "" {
			pipe.Del(ctx, credKey(usernameKey))
		}
		pipe.Del(ctx, credIndexKey(accountID))
		for _, h := range hashes {
			pipe.Del(ctx, refreshKey(h))
		}
		pipe.Del(ctx, refreshAcctKey(accountID))
		return nil
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "delete credential")
	}
	return nil
}

// SaveRefreshToken stores a hashed refresh token with its expiry.
func (s *RedisStore) SaveRefreshToken(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return appErrors.Clone(appErrors.ErrValidation, "refresh token already expired")
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, refreshKey(tokenHash), accountID, ttl)
		pipe.SAdd(ctx, refreshAcctKey(accountID), tokenHash)
		pipe.Expire(ctx, refreshAcctKey(accountID), ttl)
		return nil
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "save refresh token")
	}
	return nil
}

// AccountIDByRefreshToken resolves a live refresh token to its account.
// Expired tokens vanish with their key TTL.
func (s *RedisStore) AccountIDByRefreshToken(ctx context.Context, tokenHash string) (string, error) {
	accountID, err := s.client.Get(ctx, refreshKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", appErrors.Clone(appErrors.ErrUnauthorized, "refresh token expired or unknown")
	}
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "look up refresh token")
	}
	return accountID, nil
}

// DeleteRefreshToken revokes one refresh token.
func (s *RedisStore) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	accountID, err := s.client.Get(ctx, refreshKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "look up refresh token")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, refreshKey(tokenHash))
		pipe.SRem(ctx, refreshAcctKey(accountID), tokenHash)
		return nil
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "delete refresh token")
	}
	return nil
}

// RevokeRefreshTokens drops every refresh token of one account.
func (s *RedisStore) RevokeRefreshTokens(ctx context.Context, accountID string) error {
	hashes, err := s.client.SMembers(ctx, refreshAcctKey(accountID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "list refresh tokens")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, h := range hashes {
			pipe.Del(ctx, refreshKey(h))
		}
		pipe.Del(ctx, refreshAcctKey(accountID))
		return nil
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSync.Code, appErrors.ErrSync.Status, "revoke refresh tokens")
	}
	return nil
}
