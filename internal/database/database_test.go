package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/feltcanvas/felt/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSqlite_InMemory(t *testing.T) {
	m, err := OpenSqlite("", zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.InMemory)
	assert.Equal(t, "sqlite", m.Dialect())
	require.NoError(t, m.Ping())
	require.NoError(t, m.Migrate())

	assert.True(t, m.DB.Migrator().HasTable(&model.Shape{}))
	assert.True(t, m.DB.Migrator().HasTable(&model.Session{}))
	assert.True(t, m.DB.Migrator().HasTable(&model.RelayStatus{}))
}

func TestOpenSqlite_InMemoryIsPrivate(t *testing.T) {
	a, err := OpenSqlite("", zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSqlite("", zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Migrate())
	require.NoError(t, a.DB.Create(&model.Session{ID: "team", Counter: 3}).Error)

	assert.False(t, b.DB.Migrator().HasTable(&model.Session{}))
}

func TestOpenSqlite_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "felt.db")
	m, err := OpenSqlite(path, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	assert.False(t, m.InMemory)
	require.NoError(t, m.Migrate())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestDumpToDisk(t *testing.T) {
	m, err := OpenSqlite("", zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Migrate())
	require.NoError(t, m.DB.Create(&model.Session{ID: "team", Counter: 4}).Error)

	path := filepath.Join(t.TempDir(), "dump.db")
	require.NoError(t, m.DumpToDisk(path))
	// a second dump replaces the file
	require.NoError(t, m.DumpToDisk(path))

	dumped, err := OpenSqlite(path, zerolog.Nop())
	require.NoError(t, err)
	defer dumped.Close()

	var session model.Session
	require.NoError(t, dumped.DB.First(&session, "id = ?", "team").Error)
	assert.Equal(t, int64(4), session.Counter)
}

func TestDumpToDisk_NoPath(t *testing.T) {
	m, err := OpenSqlite("", zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	err = m.DumpToDisk("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path not set")
}
