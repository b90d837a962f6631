package reporting

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevision(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	rev, err := Revision(dir)
	require.NoError(t, err)
	assert.Empty(t, rev, "no commits yet")

	suiteDir := filepath.Join(dir, "suites")
	require.NoError(t, os.MkdirAll(suiteDir, 0o755))
	suitePath := filepath.Join(suiteDir, "customers.yaml")
	require.NoError(t, os.WriteFile(suitePath, []byte("name: Customers\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("suites/customers.yaml")
	require.NoError(t, err)
	hash, err := wt.Commit("add customers suite", &git.CommitOptions{
		Author: &object.Signature{Name: "QA", Email: "qa@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	rev, err = Revision(suiteDir)
	require.NoError(t, err)
	assert.Equal(t, hash.String()[:12], rev, "found from a subdirectory")

	require.NoError(t, os.WriteFile(suitePath, []byte("name: Customers v2\n"), 0o644))
	rev, err = Revision(dir)
	require.NoError(t, err)
	assert.Equal(t, hash.String()[:12]+"-dirty", rev)
}

func TestRevisionOutsideRepository(t *testing.T) {
	rev, err := Revision(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, rev)
}
