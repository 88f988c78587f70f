package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreCreateGetExists(t *testing.T) {
	s := NewMemStore()

	_, err := s.Create("/jobs/a", []byte("hello"), CreateFlags{MakePath: true})
	require.NoError(t, err)

	data, err := s.Get("/jobs/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	ok, err := s.Exists("/jobs/a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists("/jobs/nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateWithoutMakePathFailsOnMissingAncestor(t *testing.T) {
	s := NewMemStore()
	_, err := s.Create("/a/b/c", nil, CreateFlags{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	s := NewMemStore()
	_, err := s.Create("/x", nil, CreateFlags{})
	require.NoError(t, err)
	_, err = s.Create("/x", nil, CreateFlags{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSequentialCreateAssignsZeroPaddedSuffix(t *testing.T) {
	s := NewMemStore()
	p1, err := s.Create("/q/entry-", nil, CreateFlags{Sequential: true, MakePath: true})
	require.NoError(t, err)
	p2, err := s.Create("/q/entry-", nil, CreateFlags{Sequential: true})
	require.NoError(t, err)
	assert.Equal(t, "/q/entry-0000000000", p1)
	assert.Equal(t, "/q/entry-0000000001", p2)
}

func TestSetRequiresExistingNode(t *testing.T) {
	s := NewMemStore()
	err := s.Set("/missing", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Create("/present", []byte("old"), CreateFlags{})
	require.NoError(t, err)
	require.NoError(t, s.Set("/present", []byte("new")))
	data, err := s.Get("/present")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestDeleteAbsentNodeIsNoop(t *testing.T) {
	s := NewMemStore()
	assert.NoError(t, s.Delete("/never-existed"))
}

func TestDeleteWithChildrenFails(t *testing.T) {
	s := NewMemStore()
	_, err := s.Create("/parent/child", nil, CreateFlags{MakePath: true})
	require.NoError(t, err)
	err = s.Delete("/parent")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEphemeralNodeRemovedOnSessionClose(t *testing.T) {
	s := NewMemStore()
	sess := s.NewSession()

	_, err := s.Create("/locks", nil, CreateFlags{})
	require.NoError(t, err)
	_, err = s.CreateEphemeral(sess, "/locks/a", nil)
	require.NoError(t, err)

	ok, err := s.Exists("/locks/a")
	require.NoError(t, err)
	assert.True(t, ok)

	sess.Close()

	ok, err = s.Exists("/locks/a")
	require.NoError(t, err)
	assert.False(t, ok)

	// Closing twice must not panic.
	sess.Close()
}

func TestWatchExistsFiresOnCreate(t *testing.T) {
	s := NewMemStore()
	watch := s.WatchExists("/signal")

	_, err := s.Create("/signal", nil, CreateFlags{})
	require.NoError(t, err)

	select {
	case <-watch:
	default:
		t.Fatal("expected watch channel to be closed after create")
	}
}

func TestWatchChildrenFiresOnChildCreate(t *testing.T) {
	s := NewMemStore()
	_, err := s.Create("/dir", nil, CreateFlags{})
	require.NoError(t, err)

	watch, err := s.WatchChildren("/dir")
	require.NoError(t, err)

	_, err = s.Create("/dir/child", nil, CreateFlags{})
	require.NoError(t, err)

	select {
	case <-watch:
	default:
		t.Fatal("expected children watch to fire after a child was created")
	}
}

func TestTxnRollsBackOnFailure(t *testing.T) {
	s := NewMemStore()
	_, err := s.Create("/existing", nil, CreateFlags{})
	require.NoError(t, err)

	_, commitErr := s.NewTxn("mixed", nil).
		Create("/new-one", nil, CreateFlags{}).
		Create("/existing", nil, CreateFlags{}). // conflicts, should abort the whole txn
		Commit()
	require.Error(t, commitErr)

	ok, err := s.Exists("/new-one")
	require.NoError(t, err)
	assert.False(t, ok, "the first op must be rolled back when a later op fails")

	var txErr *TransactionError
	require.ErrorAs(t, commitErr, &txErr)
	assert.Equal(t, 1, txErr.OpIndex)
	assert.ErrorIs(t, commitErr, ErrConflict)
}

func TestChildrenListsDirectChildrenOnly(t *testing.T) {
	s := NewMemStore()
	_, err := s.Create("/root/a", nil, CreateFlags{MakePath: true})
	require.NoError(t, err)
	_, err = s.Create("/root/b", nil, CreateFlags{MakePath: true})
	require.NoError(t, err)

	names, err := s.Children("/root")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}
