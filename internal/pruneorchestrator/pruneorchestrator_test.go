package pruneorchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/ghs/internal/gclock"
	"github.com/projecteru2/ghs/internal/gitrepo"
	"github.com/projecteru2/ghs/internal/packid"
	"github.com/projecteru2/ghs/internal/packlog"
	"github.com/projecteru2/ghs/internal/testutil"
)

func mustID(t *testing.T, hex string) packid.PackId {
	t.Helper()
	id, err := packid.Parse(hex)
	require.NoError(t, err)
	return id
}

func TestRunKeepsSecondToLastAndLast(t *testing.T) {
	repo := testutil.NewRepo(t)

	a := mustID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := mustID(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c := mustID(t, "cccccccccccccccccccccccccccccccccccccccc")
	d := mustID(t, "dddddddddddddddddddddddddddddddddddddddd")
	e := mustID(t, "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")

	now := time.Now()
	for _, id := range []packid.PackId{a, b, c, d, e} {
		repo.PutPack(t, id, now, false)
	}

	pl := packlog.New(repo.ObjectsDir())
	require.NoError(t, pl.Append(context.Background(), []packid.PackId{a, b, c, d, e}))

	o := &PruneOrchestrator{Repo: gitrepo.NewFSRepo(repo.Dir)}
	result := o.Run(context.Background())
	require.True(t, result.Successful)

	ordered, err := packlog.ReadOrderedFile(pl.Path())
	require.NoError(t, err)
	assert.Equal(t, []packid.PackId{d, e}, ordered)

	assert.True(t, repo.HasAnyTripleFile(repo.PreservedDir(), d), "second-to-last must be archived to preserved/")
	assert.False(t, repo.HasAnyTripleFile(repo.PackDir(), d))

	assert.True(t, repo.HasAnyTripleFile(repo.PackDir(), e), "last entry must remain active")

	for _, id := range []packid.PackId{a, b, c} {
		assert.False(t, repo.HasAnyTripleFile(repo.PackDir(), id))
		assert.False(t, repo.HasAnyTripleFile(repo.PreservedDir(), id))
	}
}

func TestRunWithExactlyTwoEntriesArchivesFirst(t *testing.T) {
	repo := testutil.NewRepo(t)

	a := mustID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := mustID(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	now := time.Now()
	repo.PutPack(t, a, now, false)
	repo.PutPack(t, b, now, false)

	pl := packlog.New(repo.ObjectsDir())
	require.NoError(t, pl.Append(context.Background(), []packid.PackId{a, b}))

	o := &PruneOrchestrator{Repo: gitrepo.NewFSRepo(repo.Dir)}
	result := o.Run(context.Background())
	require.True(t, result.Successful)

	ordered, err := packlog.ReadOrderedFile(pl.Path())
	require.NoError(t, err)
	assert.Equal(t, []packid.PackId{a, b}, ordered)
	assert.True(t, repo.HasAnyTripleFile(repo.PreservedDir(), a))
	assert.True(t, repo.HasAnyTripleFile(repo.PackDir(), b))
}

func TestRunWithFewerThanTwoEntriesIsNoop(t *testing.T) {
	repo := testutil.NewRepo(t)

	a := mustID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	now := time.Now()
	repo.PutPack(t, a, now, false)

	pl := packlog.New(repo.ObjectsDir())
	require.NoError(t, pl.Append(context.Background(), []packid.PackId{a}))

	o := &PruneOrchestrator{Repo: gitrepo.NewFSRepo(repo.Dir)}
	result := o.Run(context.Background())
	require.True(t, result.Successful)

	ordered, err := packlog.ReadOrderedFile(pl.Path())
	require.NoError(t, err)
	assert.Equal(t, []packid.PackId{a}, ordered)
	assert.True(t, repo.HasAnyTripleFile(repo.PackDir(), a))
}

func TestRunOnEmptyLogIsNoop(t *testing.T) {
	repo := testutil.NewRepo(t)

	o := &PruneOrchestrator{Repo: gitrepo.NewFSRepo(repo.Dir)}
	result := o.Run(context.Background())
	require.True(t, result.Successful)
}

func TestRunReportsLockHeldAsFailed(t *testing.T) {
	repo := testutil.NewRepo(t)
	fsrepo := gitrepo.NewFSRepo(repo.Dir)

	holder := gclock.New(fsrepo.GCLockPath())
	ok, err := holder.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Release() //nolint:errcheck

	o := &PruneOrchestrator{Repo: fsrepo}
	result := o.Run(context.Background())
	assert.False(t, result.Successful)
	require.NotNil(t, result.Message)
	assert.Contains(t, *result.Message, "skipped")
}
