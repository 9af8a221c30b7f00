package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySessionIDReservation(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.AddSessionID("abc"))
	require.False(t, r.AddSessionID("abc"), "duplicate reservation must fail")

	r.RemoveSessionID("abc")
	require.True(t, r.AddSessionID("abc"), "freed ID must be reusable")
}

func TestRegistryUserLifecycle(t *testing.T) {
	r := NewRegistry()

	sess := &Session{ID: "s1", UserID: 42, UserName: "someuser"}
	r.AddUser(sess)

	got, ok := r.Lookup(42)
	require.True(t, ok)
	require.Same(t, sess, got)
	require.Equal(t, 1, r.CountUsers())

	r.RemoveUser(sess)
	_, ok = r.Lookup(42)
	require.False(t, ok)
	require.Equal(t, 0, r.CountUsers())
}

func TestRegistryRemoveUserIgnoresStaleSession(t *testing.T) {
	r := NewRegistry()

	old := &Session{ID: "old", UserID: 42}
	r.AddUser(old)

	// A re-login replaces the entry; the old actor terminating
	// afterwards must not evict the new session.
	fresh := &Session{ID: "fresh", UserID: 42}
	r.AddUser(fresh)
	r.RemoveUser(old)

	got, ok := r.Lookup(42)
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.AddUser(&Session{ID: "s1", UserID: 1})

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)

	delete(snapshot, 1)
	_, ok := r.Lookup(1)
	assert.True(t, ok, "mutating the snapshot must not touch the registry")
}

func TestRegistryConcurrentSessionIDsStayUnique(t *testing.T) {
	r := NewRegistry()

	const workers = 32
	const perWorker = 100

	var wg sync.WaitGroup
	reserved := make([][]string, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Half the IDs collide across workers on purpose.
				id := fmt.Sprintf("session-%d", (w*perWorker+i)%((workers*perWorker)/2))
				if r.AddSessionID(id) {
					reserved[w] = append(reserved[w], id)
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, ids := range reserved {
		for _, id := range ids {
			require.False(t, seen[id], "ID %s reserved twice", id)
			seen[id] = true
		}
	}
	require.Len(t, seen, (workers*perWorker)/2)
}
