package jsondb_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbtrystram/osbuild/internal/jsondb"
)

type entry struct {
	Stage   string    `json:"stage"`
	Created time.Time `json:"created"`
	Pinned  bool      `json:"pinned"`
}

// If the passed directory is not readable (writable), we should notice on the
// first read (write).
func TestDegenerate(t *testing.T) {
	db := jsondb.New("/non-existant-directory", 0755)

	var e entry
	exist, err := db.Read("one", &e)
	assert.False(t, exist)
	assert.NoError(t, err)

	err = db.Write("one", &e)
	assert.Error(t, err)

	names, err := db.List()
	assert.NoError(t, err)
	assert.Empty(t, names)
}

func TestCorrupt(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "one.json"), []byte("{"), 0600)
	require.NoError(t, err)

	db := jsondb.New(dir, 0600)

	var e entry
	_, err = db.Read("one", &e)
	require.Error(t, err)
}

func TestMultiple(t *testing.T) {
	dir := t.TempDir()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	perm := os.FileMode(0600)
	entries := map[string]entry{
		"one":   {"org.osbuild.symlink", created, false},
		"two":   {"org.osbuild.mkdir", created.Add(time.Hour), true},
		"three": {"org.osbuild.hostname", created.Add(2 * time.Hour), false},
	}

	db := jsondb.New(dir, perm)

	for name, e := range entries {
		err := db.Write(name, e)
		require.NoError(t, err)
	}
	infos, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Equal(t, len(entries), len(infos))
	for _, info := range infos {
		i, err := info.Info()
		require.NoError(t, err)
		require.Equal(t, perm, i.Mode())
	}

	for name, e := range entries {
		var got entry
		exist, err := db.Read(name, &got)
		require.NoError(t, err)
		require.True(t, exist)
		require.Equalf(t, e, got, "error retrieving entry '%s'", name)
	}

	names, err := db.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"one", "two", "three"}, names)

	require.NoError(t, db.Delete("two"))
	require.NoError(t, db.Delete("two"))
	exist, err := db.Read("two", &entry{})
	require.NoError(t, err)
	require.False(t, exist)
}

func TestListSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	db := jsondb.New(dir, 0600)

	require.NoError(t, db.Write("kept", entry{Stage: "org.osbuild.symlink"}))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir.json"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".half-written.json-1.tmp"), nil, 0600))

	names, err := db.List()
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, names)
}
