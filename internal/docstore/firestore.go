package docstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore работает с коллекцией пользователей Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	coll   *firestore.CollectionRef
}

// OpenFirestore: credentialsFile может быть пустым: тогда используются
// учётные данные окружения (или эмулятор через FIRESTORE_EMULATOR_HOST).
func OpenFirestore(ctx context.Context, project, credentialsFile, collection string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{client: client, coll: client.Collection(collection)}, nil
}

func (s *FirestoreStore) GetUser(ctx context.Context, uid string) (Document, error) {
	snap, err := s.coll.Doc(uid).Get(ctx)
	if err != nil {
		return nil, classifyGRPC("get user", err)
	}
	return withID(Document(snap.Data()), uid), nil
}

// MergeUser идёт в транзакции: путь сквозь не-карту нужно переписать
// по текущему содержимому документа.
func (s *FirestoreStore) MergeUser(ctx context.Context, uid string, f Fields) error {
	ref := s.coll.Doc(uid)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		return tx.Update(ref, firestoreUpdates(rebaseFields(Document(snap.Data()), f)))
	})
	if err != nil {
		return classifyGRPC("merge user", err)
	}
	return nil
}

func firestoreUpdates(f Fields) []firestore.Update {
	updates := make([]firestore.Update, 0, len(f))
	for k, v := range f {
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath(SplitPath(k)), Value: v})
	}
	return updates
}

func (s *FirestoreStore) CreateUser(ctx context.Context, uid string, doc Document) error {
	d := map[string]any{}
	for k, v := range doc {
		if k != FieldID {
			d[k] = v
		}
	}
	_, err := s.coll.Doc(uid).Create(ctx, d)
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return classifyGRPC("create user", err)
	}
	return nil
}

func (s *FirestoreStore) QueryUsers(ctx context.Context, field string, value any) ([]Document, error) {
	it := s.coll.Where(field, "==", value).Documents(ctx)
	defer it.Stop()

	var out []Document
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyGRPC("query users", err)
		}
		out = append(out, withID(Document(snap.Data()), snap.Ref.ID))
	}
	return out, nil
}

// Ping читает не больше одного документа коллекции.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	it := s.coll.Limit(1).Documents(ctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return classifyGRPC("ping", err)
	}
	return nil
}

func (s *FirestoreStore) Close(context.Context) error { return s.client.Close() }

func classifyGRPC(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return ErrNotFound
	case codes.InvalidArgument, codes.FailedPrecondition:
		return malformed(op, err)
	}
	return unavailable(op, err)
}
