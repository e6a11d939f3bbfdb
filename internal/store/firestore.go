package store

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultFirestoreCollection holds one document per storage key.
const DefaultFirestoreCollection = "cartsync"

// Firestore is a Storage backed by a Firestore collection.
//
// Document IDs are the storage keys with "/" escaped, since Firestore treats
// slashes as path separators.
type Firestore struct {
	client     *firestore.Client
	collection string
	owned      bool
}

var _ Storage = (*Firestore)(nil)

type firestoreDoc struct {
	Value []byte `firestore:"value"`
}

// NewFirestore wraps an existing client. The caller keeps ownership of it.
func NewFirestore(client *firestore.Client, collection string) *Firestore {
	if strings.TrimSpace(collection) == "" {
		collection = DefaultFirestoreCollection
	}
	return &Firestore{client: client, collection: collection}
}

// OpenFirestore creates a client for projectID. An empty credentialsFile uses
// Application Default Credentials.
func OpenFirestore(ctx context.Context, projectID, credentialsFile, collection string) (*Firestore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	f := NewFirestore(client, collection)
	f.owned = true
	return f, nil
}

func (f *Firestore) doc(key string) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(strings.ReplaceAll(key, "/", "%2F"))
}

func (f *Firestore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	snap, err := f.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	var d firestoreDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return d.Value, true, nil
}

func (f *Firestore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := f.doc(key).Set(ctx, map[string]interface{}{
		"value":     value,
		"updatedAt": firestore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (f *Firestore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if _, err := f.doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Close closes the client if OpenFirestore created it.
func (f *Firestore) Close() error {
	if !f.owned {
		return nil
	}
	return f.client.Close()
}
