package gitrepo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoGit mirrors go-git's own file-transport suite
// (plumbing/transport/file/common_test.go's SetUpSuite): skip rather than
// fail when the git binary isn't on PATH.
func skipIfNoGit(t *testing.T) {
	t.Helper()
	if err := exec.Command("git", "--version").Run(); err != nil {
		t.Skip("git command not found")
	}
}

// actorEnv supplies author/committer identity so commit-tree succeeds in a
// bare repo with no user.name/user.email configured.
func actorEnv() []string {
	return append(os.Environ(),
		"GIT_AUTHOR_NAME=ghs-test",
		"GIT_AUTHOR_EMAIL=ghs-test@example.com",
		"GIT_COMMITTER_NAME=ghs-test",
		"GIT_COMMITTER_EMAIL=ghs-test@example.com",
	)
}

func runGit(t *testing.T, dir, stdin string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = actorEnv()
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// newBareRepoWithCommit builds a real bare repository containing a single
// blob/tree/commit reachable from refs/heads/main, constructed entirely at
// the plumbing level the way a real Git client would populate one.
func newBareRepoWithCommit(t *testing.T) (root string, commit plumbing.Hash) {
	t.Helper()
	root = t.TempDir()
	runGit(t, root, "", "init", "--quiet", "--bare", "--initial-branch=main", ".")

	blob := runGit(t, root, "hello\n", "hash-object", "-w", "--stdin")
	tree := runGit(t, root, "100644 blob "+blob+"\tfile.txt\n", "mktree")
	commitSHA := runGit(t, root, "", "commit-tree", tree, "-m", "initial")
	runGit(t, root, "", "update-ref", "refs/heads/main", commitSHA)

	return root, plumbing.NewHash(commitSHA)
}

func TestFSRepoWritePackPublishesPackIndexAndBitmap(t *testing.T) {
	skipIfNoGit(t)

	root, commit := newBareRepoWithCommit(t)
	repo := NewFSRepo(root)

	refs, err := repo.Refs(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, commit, refs[0].Target)
	assert.Equal(t, RefHead, refs[0].Kind)

	written, err := repo.WritePack(context.Background(), PackWriteRequest{
		Want:         []plumbing.Hash{commit},
		CreateBitmap: true,
	})
	require.NoError(t, err)
	require.Len(t, written, 1)

	w := written[0]
	// blob + tree + commit.
	assert.Equal(t, 3, w.ObjectCount)
	assert.FileExists(t, w.PackPath)
	assert.FileExists(t, w.IndexPath)
	require.NotEmpty(t, w.BitmapPath, "--write-bitmap-index was requested")
	assert.FileExists(t, w.BitmapPath)

	assert.Equal(t, filepath.Join(repo.PackDir(), "pack-"+w.ID.String()+".pack"), w.PackPath)
}

func TestFSRepoWritePackNoWantIsNoop(t *testing.T) {
	skipIfNoGit(t)

	root, _ := newBareRepoWithCommit(t)
	repo := NewFSRepo(root)

	written, err := repo.WritePack(context.Background(), PackWriteRequest{})
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestFSRepoKeptPackObjectHashesReadsMarkedPack(t *testing.T) {
	skipIfNoGit(t)

	root, commit := newBareRepoWithCommit(t)
	repo := NewFSRepo(root)

	written, err := repo.WritePack(context.Background(), PackWriteRequest{Want: []plumbing.Hash{commit}})
	require.NoError(t, err)
	require.Len(t, written, 1)

	keepPath := strings.TrimSuffix(written[0].PackPath, ".pack") + ".keep"
	require.NoError(t, os.WriteFile(keepPath, nil, 0o644))

	hashes, err := repo.KeptPackObjectHashes(context.Background())
	require.NoError(t, err)
	assert.Len(t, hashes, 3)
	assert.Contains(t, hashes, commit)
}

func TestFSRepoPackRefsAndGCRunAgainstRealRepo(t *testing.T) {
	skipIfNoGit(t)

	root, _ := newBareRepoWithCommit(t)
	repo := NewFSRepo(root)

	require.NoError(t, repo.PackRefs(context.Background()))
	assert.FileExists(t, filepath.Join(root, "packed-refs"))

	require.NoError(t, repo.GC(context.Background()))
}
