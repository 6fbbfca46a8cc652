package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns every MessageStore implementation under test.
func stores(t *testing.T) map[string]MessageStore {
	t.Helper()
	lite, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })
	return map[string]MessageStore{
		"memory": NewMemoryStore(),
		"sqlite": lite,
	}
}

func TestDeriveConvID(t *testing.T) {
	assert.Equal(t, BroadcastConv, DeriveConvID("a1", nil))
	assert.Equal(t, "a1|b1|c1", DeriveConvID("a1", []string{"c1", "b1"}))
	assert.Equal(t, "a1|b1", DeriveConvID("a1", []string{"b1", "a1"}))
	assert.Equal(t, "b1", DeriveConvID("", []string{"b1"}))
}

func TestMarkListenedIsIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Add(Message{ID: "m1", Sender: "Alice", SenderID: "a1", CreatedAt: time.Now(), Status: StatusSent}))

			changed, err := s.MarkListened("m1", "b1")
			require.NoError(t, err)
			assert.True(t, changed)

			changed, err = s.MarkListened("m1", "b1")
			require.NoError(t, err)
			assert.False(t, changed)

			m, ok := s.Get("m1")
			require.True(t, ok)
			assert.Equal(t, []string{"b1"}, m.ListenedBy)
			assert.Equal(t, StatusListened, m.Status)
		})
	}
}

func TestMarkListenedKeepsFailed(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Add(Message{ID: "m2", CreatedAt: time.Now(), Status: StatusFailed}))
			changed, err := s.MarkListened("m2", "b1")
			require.NoError(t, err)
			assert.True(t, changed)

			m, _ := s.Get("m2")
			assert.Equal(t, StatusFailed, m.Status)
		})
	}
}

func TestMarkListenedUnknownMessage(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.MarkListened("missing", "b1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAddIgnoresDuplicateID(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Add(Message{ID: "dup", Sender: "first", CreatedAt: time.Now()}))
			require.NoError(t, s.Add(Message{ID: "dup", Sender: "second", CreatedAt: time.Now()}))
			m, ok := s.Get("dup")
			require.True(t, ok)
			assert.Equal(t, "first", m.Sender)
			assert.Equal(t, StatusPending, m.Status)
			assert.Equal(t, BroadcastConv, m.ConvID)
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Add(Message{ID: "m3", CreatedAt: time.Now(), Payload: []byte{1, 2, 3}}))
			require.NoError(t, s.UpdateStatus("m3", StatusPending, 2))

			m, _ := s.Get("m3")
			assert.Equal(t, StatusPending, m.Status)
			assert.Equal(t, 2, m.Attempts)
			assert.Equal(t, []byte{1, 2, 3}, m.Payload)

			assert.ErrorIs(t, s.UpdateStatus("nope", StatusSent, 0), ErrNotFound)
		})
	}
}

func TestMemoryStoreTrimsOldest(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < MaxMessages+5; i++ {
		require.NoError(t, s.Add(Message{ID: fmt.Sprintf("m%d", i), CreatedAt: time.Now()}))
	}
	_, ok := s.Get("m0")
	assert.False(t, ok)
	_, ok = s.Get(fmt.Sprintf("m%d", MaxMessages+4))
	assert.True(t, ok)
	assert.Len(t, s.ByConversation(BroadcastConv, false), MaxMessages)
}

func TestByConversation(t *testing.T) {
	base := time.Now()
	msgs := []Message{
		{ID: "b", CreatedAt: base.Add(2 * time.Second)},
		{ID: "d", SenderID: "a1", Recipients: []string{"b1"}, CreatedAt: base.Add(time.Second)},
		{ID: "x", SenderID: "a1", Recipients: []string{"c1"}, CreatedAt: base},
	}

	mem := NewMemoryStore()
	lite, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer lite.Close()
	for _, m := range msgs {
		require.NoError(t, mem.Add(m))
		require.NoError(t, lite.Add(m))
	}

	ids := func(ms []Message) []string {
		out := make([]string, 0, len(ms))
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}

	assert.Equal(t, []string{"b"}, ids(mem.ByConversation(BroadcastConv, true)))
	assert.Equal(t, []string{"d", "b"}, ids(mem.ByConversation("a1|b1", true)))
	assert.Equal(t, []string{"d"}, ids(mem.ByConversation("a1|b1", false)))

	got, err := lite.ByConversation("a1|b1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b"}, ids(got))
	got, err = lite.ByConversation("a1|c1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids(got))
}

func TestSQLiteIdentityAndPresence(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(dir)
	require.NoError(t, err)

	require.NoError(t, s.SaveIdentity(Identity{SelfID: "a1", Nickname: "Alice"}))
	seen := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, s.SavePresence([]PresenceUser{{ID: "b1", Nickname: "Bob", LastSeen: seen}}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(dir)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, Identity{SelfID: "a1", Nickname: "Alice"}, id)

	users, err := s.LoadPresence()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Bob", users[0].Nickname)
	assert.True(t, seen.Equal(users[0].LastSeen))

	require.NoError(t, s.SavePresence(nil))
	users, err = s.LoadPresence()
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestSQLiteForeignKeysOnEveryConnection(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	var conns []*sql.Conn
	for i := 0; i < 3; i++ {
		conn, err := s.db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		var on int
		require.NoError(t, conn.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&on))
		assert.Equal(t, 1, on)
		require.NoError(t, conn.Close())
	}
}

func TestSQLiteTrimDropsReceipts(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Add(Message{ID: "m0", CreatedAt: time.Now()}))
	_, err = s.MarkListened("m0", "b1")
	require.NoError(t, err)
	for i := 1; i <= MaxMessages; i++ {
		require.NoError(t, s.Add(Message{ID: fmt.Sprintf("m%d", i), CreatedAt: time.Now()}))
	}

	_, ok := s.Get("m0")
	require.False(t, ok)
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM listened WHERE message_id = 'm0'`).Scan(&n))
	assert.Zero(t, n)
}
