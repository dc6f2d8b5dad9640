package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/fin-auth/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxBatchSize is the Firestore batch write limit.
const maxBatchSize = 500

var _ Storage = (*FirestoreStorage)(nil)

// FirestoreStorage keeps users, refresh sessions and popup grants in three
// collections named after a common prefix.
type FirestoreStorage struct {
	client   *firestore.Client
	users    string
	sessions string
	grants   string
	now      func() time.Time
}

// NewFirestoreStorage connects to the given project and database. collection
// is the prefix of the three collections.
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string) (*FirestoreStorage, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var (
		client *firestore.Client
		err    error
	)
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Connected to Firestore", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreStorage{
		client:   client,
		users:    collection + "_users",
		sessions: collection + "_refresh_sessions",
		grants:   collection + "_popup_grants",
		now:      time.Now,
	}, nil
}

func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}

func (s *FirestoreStorage) GetUser(ctx context.Context, id string) (*User, error) {
	doc, err := s.client.Collection(s.users).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var u User
	if err := doc.DataTo(&u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &u, nil
}

func (s *FirestoreStorage) firstUser(ctx context.Context, q firestore.Query) (*User, error) {
	iter := q.Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}

	var u User
	if err := doc.DataTo(&u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &u, nil
}

func (s *FirestoreStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.firstUser(ctx, s.client.Collection(s.users).Where("email", "==", email))
}

func (s *FirestoreStorage) GetUserByIdentity(ctx context.Context, provider, subject string) (*User, error) {
	path := firestore.FieldPath{"identities", provider}
	return s.firstUser(ctx, s.client.Collection(s.users).WherePath(path, "==", subject))
}

// SaveUser checks email ownership and writes the user in one transaction.
func (s *FirestoreStorage) SaveUser(ctx context.Context, u *User) error {
	users := s.client.Collection(s.users)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		iter := tx.Documents(users.Where("email", "==", u.Email))
		defer iter.Stop()
		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to query email: %w", err)
			}
			if doc.Ref.ID != u.ID {
				return ErrEmailTaken
			}
		}
		return tx.Set(users.Doc(u.ID), u)
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return err
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) CreateRefreshSession(ctx context.Context, rs *RefreshSession) error {
	_, err := s.client.Collection(s.sessions).Doc(rs.ID).Create(ctx, rs)
	if err != nil {
		return fmt.Errorf("failed to create refresh session: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) GetRefreshSession(ctx context.Context, id string) (*RefreshSession, error) {
	doc, err := s.client.Collection(s.sessions).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh session: %w", err)
	}

	var rs RefreshSession
	if err := doc.DataTo(&rs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh session: %w", err)
	}
	if !rs.ExpiresAt.After(s.now()) {
		return nil, ErrSessionNotFound
	}
	return &rs, nil
}

func (s *FirestoreStorage) DeleteRefreshSession(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.sessions).Doc(id).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete refresh session: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) DeleteUserRefreshSessions(ctx context.Context, userID string) (int, error) {
	return s.deleteWhere(ctx, s.client.Collection(s.sessions).Where("user_id", "==", userID))
}

func (s *FirestoreStorage) PutPopupGrant(ctx context.Context, g *PopupGrant) error {
	if _, err := s.client.Collection(s.grants).Doc(g.WindowID).Set(ctx, g); err != nil {
		return fmt.Errorf("failed to put popup grant: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) GetPopupGrant(ctx context.Context, windowID string) (*PopupGrant, error) {
	doc, err := s.client.Collection(s.grants).Doc(windowID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get popup grant: %w", err)
	}

	var g PopupGrant
	if err := doc.DataTo(&g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal popup grant: %w", err)
	}
	if g.Expired(s.now()) {
		return nil, ErrGrantNotFound
	}
	return &g, nil
}

// ConsumePopupGrant reads and deletes the grant inside a transaction, so two
// concurrent handoffs cannot both redeem it.
func (s *FirestoreStorage) ConsumePopupGrant(ctx context.Context, windowID string) (*PopupGrant, error) {
	ref := s.client.Collection(s.grants).Doc(windowID)

	var g PopupGrant
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrGrantNotFound
			}
			return fmt.Errorf("failed to get popup grant: %w", err)
		}
		if err := doc.DataTo(&g); err != nil {
			return fmt.Errorf("failed to unmarshal popup grant: %w", err)
		}
		return tx.Delete(ref)
	})
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume popup grant: %w", err)
	}
	if g.Expired(s.now()) {
		return nil, ErrGrantNotFound
	}
	return &g, nil
}

func (s *FirestoreStorage) DeleteExpired(ctx context.Context, now time.Time) (Purged, error) {
	var p Purged
	var err error
	p.RefreshSessions, err = s.deleteWhere(ctx, s.client.Collection(s.sessions).Where("expires_at", "<=", now))
	if err != nil {
		return p, err
	}
	p.PopupGrants, err = s.deleteWhere(ctx, s.client.Collection(s.grants).Where("expires_at", "<=", now))
	return p, err
}

// deleteWhere removes every document matched by q in batches.
func (s *FirestoreStorage) deleteWhere(ctx context.Context, q firestore.Query) (int, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate documents: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit batch: %w", err)
		}
	}
	return count, nil
}
