package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeArgs points commands at a fresh store using the test model.
func storeArgs(t *testing.T) []string {
	t.Helper()
	return []string{"--store", filepath.Join(t.TempDir(), "local.db"), "--model", testModel}
}

func put(t *testing.T, store []string, target string, sets ...string) SaveView {
	t.Helper()
	args := append(append([]string{}, store...), "put", target)
	for _, s := range sets {
		args = append(args, "--set", s)
	}
	var view SaveView
	resp, err := executeJSON(t, &view, args...)
	require.NoError(t, err, "%+v", resp.Error)
	return view
}

func TestPutGetDelete(t *testing.T) {
	st := storeArgs(t)

	team := put(t, st, "Team", "title=Ops")
	assert.Equal(t, "inserted", team.Op)
	assert.True(t, strings.HasPrefix(team.Ref, "Team/"))
	assert.True(t, strings.HasPrefix(team.Version, "1-"))
	teamID := strings.TrimPrefix(team.Ref, "Team/")

	alice := put(t, st, "Person", "name=Alice", "age=30", "salary=1200.50", "team="+teamID)
	assert.True(t, strings.HasPrefix(alice.Version, "1-"))

	var rec RecordView
	_, err := executeJSON(t, &rec, append(st, "get", alice.Ref)...)
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec.Attributes["name"])
	assert.Equal(t, float64(30), rec.Attributes["age"])
	assert.Equal(t, "1200.5", rec.Attributes["salary"])
	assert.Equal(t, []string{teamID}, rec.Relationships["team"])
	assert.Equal(t, alice.Version, rec.Version)

	updated := put(t, st, alice.Ref, "age=31")
	assert.Equal(t, "updated", updated.Op)
	assert.True(t, strings.HasPrefix(updated.Version, "2-"))

	out, err := execute(t, append(st, "get", alice.Ref)...)
	require.NoError(t, err)
	assert.Contains(t, out, alice.Ref+" @ "+updated.Version)
	assert.Contains(t, out, "  age: 31\n")
	assert.Contains(t, out, "  name: Alice\n")
	assert.Contains(t, out, "  team -> "+teamID+"\n")

	out, err = execute(t, append(st, "delete", alice.Ref)...)
	require.NoError(t, err)
	assert.Equal(t, "✓ deleted "+alice.Ref+"\n", out)

	resp, err := executeJSON(t, nil, append(st, "get", alice.Ref)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestPutBinaryFromFile(t *testing.T) {
	st := storeArgs(t)
	photo := filepath.Join(t.TempDir(), "face.png")
	require.NoError(t, os.WriteFile(photo, []byte("\x89PNG\r\n"), 0o644))

	alice := put(t, st, "Person", "name=Alice", "photo=@"+photo)

	var rec RecordView
	_, err := executeJSON(t, &rec, append(st, "get", alice.Ref)...)
	require.NoError(t, err)
	assert.Equal(t, "<6 bytes>", rec.Attributes["photo"])

	var bare RecordView
	_, err = executeJSON(t, &bare, append(st, "get", alice.Ref, "--properties", "")...)
	require.NoError(t, err)
	assert.Equal(t, []string{"photo"}, bare.Deferred)
	assert.NotContains(t, bare.Attributes, "photo")
}

func TestPutErrors(t *testing.T) {
	st := storeArgs(t)

	tests := []struct {
		name     string
		args     []string
		code     string
		exitCode int
	}{
		{"unknown entity", []string{"put", "Ghost", "--set", "name=x"}, "E_BAD_PATH", ExitCommandError},
		{"unknown property", []string{"put", "Person", "--set", "shoe=42"}, ErrCodeUsage, ExitCommandError},
		{"malformed assignment", []string{"put", "Person", "--set", "name"}, ErrCodeUsage, ExitCommandError},
		{"bad int", []string{"put", "Person", "--set", "age=old"}, ErrCodeUsage, ExitCommandError},
		{"malformed ref", []string{"get", "Person"}, ErrCodeUsage, ExitCommandError},
		{"missing record", []string{"get", "Person/00000000-0000-7000-8000-000000000001"}, ErrCodeNotFound, ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := executeJSON(t, nil, append(st, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, tt.exitCode, GetExitCode(err))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestMissingModel(t *testing.T) {
	dir := t.TempDir()
	resp, err := executeJSON(t, nil, "--store", filepath.Join(dir, "x.db"), "--model", filepath.Join(dir, "none.cue"), "put", "Person")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeModel, resp.Error.Code)
}
