package store

import (
	"context"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Contract(t *testing.T) {
	runStorageContract(t, NewMemory())
}

func TestMemory_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	in := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", in))
	in[0] = 'z'

	out, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))

	out[1] = 'z'
	again, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestNamespace_Contract(t *testing.T) {
	runStorageContract(t, Namespace(NewMemory(), "app"))
}

func TestNamespace_PrefixesKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := Namespace(m, "a")
	b := Namespace(m, "b")

	require.NoError(t, a.Set(ctx, "cart", []byte("A")))
	require.NoError(t, b.Set(ctx, "cart", []byte("B")))

	keys := m.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"a:cart", "b:cart"}, keys)

	v, _, err := a.Get(ctx, "cart")
	require.NoError(t, err)
	assert.Equal(t, "A", string(v))

	require.NoError(t, b.Remove(ctx, "cart"))
	_, found, _ := a.Get(ctx, "cart")
	assert.True(t, found, "removing in one namespace must not touch another")
}

func TestNamespace_EmptyReturnsInner(t *testing.T) {
	m := NewMemory()
	assert.Same(t, m, Namespace(m, "  ").(*Memory))
}

func TestRedis_Contract(t *testing.T) {
	addr := os.Getenv("CARTSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CARTSYNC_TEST_REDIS_ADDR not set")
	}
	r, err := DialRedis(context.Background(), addr, time.Minute)
	require.NoError(t, err)
	defer r.Close()

	runStorageContract(t, Namespace(r, "cartsync-test-"+t.Name()))
}

func TestPostgres_Contract(t *testing.T) {
	dsn := os.Getenv("CARTSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CARTSYNC_TEST_POSTGRES_DSN not set")
	}
	p, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	defer p.Close()

	runStorageContract(t, Namespace(p, "cartsync-test"))
}

func TestFirestore_Contract(t *testing.T) {
	project := os.Getenv("CARTSYNC_TEST_FIRESTORE_PROJECT")
	if project == "" || os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("Firestore emulator not configured")
	}
	f, err := OpenFirestore(context.Background(), project, "", "cartsync-test")
	require.NoError(t, err)
	defer f.Close()

	runStorageContract(t, Namespace(f, "test"))
}
