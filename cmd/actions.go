package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/ghs/internal/action"
	"github.com/projecteru2/ghs/internal/bitmapbuilder"
	"github.com/projecteru2/ghs/internal/gitconfig"
	"github.com/projecteru2/ghs/internal/gitrepo"
	"github.com/projecteru2/ghs/internal/preserver"
	"github.com/projecteru2/ghs/internal/progress"
	"github.com/projecteru2/ghs/internal/pruneorchestrator"
)

// actionFunc is the shape every entry in the actions registry below
// implements. sequential carries the --sequential-bitmap-generation flag;
// only BitmapGenerationAction consults it.
type actionFunc func(ctx context.Context, repo gitrepo.Repository, sequential bool) action.Result

// actions maps the five recognized <actionName> values (spec §6) to their
// implementation, spelled out explicitly rather than discovered by
// reflection: there are exactly five actions and they are not going to
// grow a naming convention worth automating.
var actions = map[string]actionFunc{
	"BitmapGenerationAction":        runBitmapGeneration,
	"GarbageCollectionAction":       runGarbageCollection,
	"PackRefsAction":                runPackRefs,
	"PreserveOutdatedBitmapsAction": runPreserveOutdatedBitmaps,
	"PruneOutdatedBitmapsAction":    runPruneOutdatedBitmaps,
}

func runBitmapGeneration(ctx context.Context, repo gitrepo.Repository, sequential bool) action.Result {
	prefixes, err := gitconfig.BitmapExcludedRefPrefixes(repo.ConfigPath())
	if err != nil {
		return action.Failedf("read pack.bitmapExcludedRefsPrefixes: %v", err)
	}
	b := &bitmapbuilder.Builder{
		Repo:                  repo,
		Sequential:            sequential,
		BitmapExcludePrefixes: prefixes,
		Tracker:               progress.Nop,
	}
	return b.Run(ctx)
}

// runGarbageCollection and runPackRefs are the two actions spec §1 calls
// out as having no design of their own: they invoke the Git-library
// contract's primitive and translate its error, nothing more.
func runGarbageCollection(ctx context.Context, repo gitrepo.Repository, _ bool) action.Result {
	if err := repo.GC(ctx); err != nil {
		return action.Failedf("git gc: %v", err)
	}
	return action.Ok("")
}

func runPackRefs(ctx context.Context, repo gitrepo.Repository, _ bool) action.Result {
	if err := repo.PackRefs(ctx); err != nil {
		return action.Failedf("git pack-refs: %v", err)
	}
	return action.Ok("")
}

func runPreserveOutdatedBitmaps(ctx context.Context, repo gitrepo.Repository, _ bool) action.Result {
	p := &preserver.Preserver{Repo: repo}
	return p.Run(ctx)
}

func runPruneOutdatedBitmaps(ctx context.Context, repo gitrepo.Repository, _ bool) action.Result {
	o := &pruneorchestrator.PruneOrchestrator{Repo: repo}
	return o.Run(ctx)
}

func lookupAction(name string) (actionFunc, error) {
	fn, ok := actions[name]
	if !ok {
		return nil, fmt.Errorf("unrecognized action %q", name)
	}
	return fn, nil
}
