package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcpgate/pkg/auth"
)

var (
	alice = auth.Identity{AccountID: "acct-alice", Name: "alice", Method: auth.MethodAPIKey}
	bob   = auth.Identity{AccountID: "acct-bob", Name: "bob", Method: auth.MethodAPIKey}
)

func TestBindAndLookup(t *testing.T) {
	b := NewBinder()

	require.NoError(t, b.Bind("s1", alice))
	require.NoError(t, b.Bind("s1", alice), "rebinding the same identity is idempotent")
	require.ErrorIs(t, b.Bind("s1", bob), ErrAlreadyBound)
	require.ErrorIs(t, b.Bind("", alice), ErrEmptySessionID)

	got, err := b.IdentityFor("s1")
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	_, err = b.IdentityFor("unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	b.Unbind("s1")
	b.Unbind("s1")
	_, err = b.IdentityFor("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, b.Len())
}

func TestConcurrentSessionsKeepTheirIdentity(t *testing.T) {
	b := NewBinder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := alice
			if i%2 == 1 {
				id = bob
			}
			sid := fmt.Sprintf("s%d", i)
			if err := b.Bind(sid, id); err != nil {
				t.Errorf("bind %s: %v", sid, err)
				return
			}
			for j := 0; j < 20; j++ {
				got, err := b.IdentityFor(sid)
				if err != nil || got.AccountID != id.AccountID {
					t.Errorf("session %s resolved to %+v (%v)", sid, got, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, b.Len())
	sessions := b.Sessions()
	require.Len(t, sessions, 50)
	for _, s := range sessions {
		assert.False(t, s.CreatedAt.IsZero())
	}
}
