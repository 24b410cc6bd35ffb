package migrations

import (
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceVersions(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	var versions []uint
	version, err := src.First()
	for err == nil {
		versions = append(versions, version)
		version, err = src.Next(version)
	}
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.Equal(t, []uint{1, 2}, versions)
}

func TestSourceReadsBothDirections(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	read := func(r io.ReadCloser, identifier string, err error) (string, string) {
		t.Helper()
		require.NoError(t, err)
		defer r.Close()
		body, err := io.ReadAll(r)
		require.NoError(t, err)
		return identifier, string(body)
	}

	name, body := read(src.ReadUp(1))
	require.Equal(t, "create_agent_runs", name)
	require.Contains(t, body, "CREATE TABLE IF NOT EXISTS agent_runs")

	_, body = read(src.ReadUp(2))
	require.Contains(t, body, "CREATE INDEX idx_agent_runs_session")

	_, body = read(src.ReadDown(2))
	require.Contains(t, body, "DROP INDEX idx_agent_runs_session")

	_, body = read(src.ReadDown(1))
	require.Contains(t, body, "DROP TABLE IF EXISTS agent_runs")
}
