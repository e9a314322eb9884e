package replica

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()

	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	return journal
}

func TestJournal_RecordAndReadBack(t *testing.T) {
	journal := openTestJournal(t)

	cmd := NewCommand(AddStock, "cheese", 10, "client-1", "127.0.0.1:9999")
	require.NoError(t, journal.Record(7, cmd, Reply{Status: StatusAddStockOK, Qty: 10}))

	entry, err := journal.Entry(7)
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, uint64(7), entry.Instance)
	assert.Equal(t, StatusAddStockOK, entry.Status)
	assert.Equal(t, uint64(10), entry.Qty)
	assert.Equal(t, cmd.ID, entry.Command.ID)
	assert.Equal(t, AddStock, entry.Command.Type)
	assert.Equal(t, "cheese", entry.Command.Item)
	assert.False(t, entry.AppliedAt.IsZero())
}

func TestJournal_EntryAbsent(t *testing.T) {
	journal := openTestJournal(t)

	entry, err := journal.Entry(3)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestJournal_LastInstance(t *testing.T) {
	journal := openTestJournal(t)

	_, found, err := journal.LastInstance()
	require.NoError(t, err)
	assert.False(t, found)

	for _, instance := range []uint64{1, 12, 5} {
		cmd := NewCommand(CreateItem, "x", 0, "client-1", "")
		require.NoError(t, journal.Record(instance, cmd, Reply{Status: StatusCreateItemOK}))
	}

	last, found, err := journal.LastInstance()
	require.NoError(t, err)
	require.True(t, found)

	// Keys are big-endian instance ids, so the cursor's last entry is
	// the numerically greatest instance
	assert.Equal(t, uint64(12), last)
}

func TestJournal_OverwriteInstance(t *testing.T) {
	journal := openTestJournal(t)

	first := NewCommand(CreateItem, "a", 0, "client-1", "")
	second := NewCommand(CreateItem, "b", 0, "client-1", "")
	require.NoError(t, journal.Record(1, first, Reply{Status: StatusCreateItemOK}))
	require.NoError(t, journal.Record(1, second, Reply{Status: StatusCreateItemOK}))

	entry, err := journal.Entry(1)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "b", entry.Command.Item)
}
