package hstconf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/logger"
	"github.com/MrSnakeDoc/hstroute/internal/metrics"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

// Store is the repository surface an import needs.
type Store interface {
	repository.Session
	repository.Writer
}

// Result summarizes one import
type Result struct {
	Root      string        `json:"root"`
	Added     int           `json:"added"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Removed   int           `json:"removed"`
	Took      time.Duration `json:"took"`
}

// Changed reports whether the import wrote anything
func (r Result) Changed() bool {
	return r.Added+r.Updated+r.Removed > 0
}

// Importer writes configuration files into a repository
type Importer struct {
	store  Store
	mapper *Mapper
	log    logger.Logger
}

// NewImporter creates an importer writing to store
func NewImporter(store Store, log logger.Logger) *Importer {
	if log == nil {
		log = logger.Nop()
	}
	return &Importer{
		store:  store,
		mapper: NewMapper(),
		log:    log.With(logger.Component("hstconf")),
	}
}

// ImportFile loads a file and imports it
func (i *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	cfg, err := NewLoader(path).Load()
	if err != nil {
		metrics.RecordImport(err)
		return Result{}, err
	}
	return i.Import(ctx, cfg)
}

// Import makes the subtree under the configuration root match cfg in a single batch write:
// changed nodes are saved parents first, and nodes the file no longer defines are removed.
// Unchanged nodes are not written, so they raise no change events.
func (i *Importer) Import(ctx context.Context, cfg *Config) (res Result, err error) {
	start := time.Now()
	defer func() {
		res.Took = time.Since(start)
		metrics.RecordImport(err)
	}()

	nodes, err := i.mapper.Map(cfg)
	if err != nil {
		return Result{}, fmt.Errorf("invalid configuration: %w", err)
	}
	root := nodes[0].Path
	res.Root = root

	saves, err := i.missingAncestors(ctx, root)
	if err != nil {
		return res, err
	}

	existing := make(map[string]*repository.Node)
	current, err := repository.Tree(ctx, i.store, root)
	switch {
	case err == nil:
		repository.Walk(current, func(n *repository.Node) { existing[n.Path] = n })
	case !errors.Is(err, repository.ErrNotFound):
		return res, fmt.Errorf("failed to read current configuration: %w", err)
	}

	wanted := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		wanted[n.Path] = true
		old, ok := existing[n.Path]
		if ok && old.Equal(n) {
			res.Unchanged++
			continue
		}
		saves = append(saves, n)
		if ok {
			res.Updated++
		} else {
			res.Added++
		}
	}

	var removes []string
	if current != nil {
		removes = prune(current, wanted, &res)
	}

	if len(saves)+len(removes) > 0 {
		if err := i.store.Apply(ctx, saves, removes); err != nil {
			return Result{Root: root}, fmt.Errorf("failed to apply configuration: %w", err)
		}
	}

	i.log.Info("configuration imported",
		logger.String("root", root),
		logger.Int("added", res.Added),
		logger.Int("updated", res.Updated),
		logger.Int("unchanged", res.Unchanged),
		logger.Int("removed", res.Removed),
		logger.Duration("took", time.Since(start)))
	return res, nil
}

// prune lists the topmost nodes that are no longer wanted. Their subtrees go with them.
func prune(n *repository.Node, wanted map[string]bool, res *Result) []string {
	if !wanted[n.Path] {
		repository.Walk(n, func(*repository.Node) { res.Removed++ })
		return []string{n.Path}
	}
	var out []string
	for _, c := range n.Children {
		out = append(out, prune(c, wanted, res)...)
	}
	return out
}

// missingAncestors returns placeholder nodes for the ancestors of root that do not exist yet,
// outermost first.
func (i *Importer) missingAncestors(ctx context.Context, root string) ([]*repository.Node, error) {
	var out []*repository.Node
	ancestors := repository.Ancestors(root)
	for j := len(ancestors) - 1; j >= 0; j-- {
		a := ancestors[j]
		if a == "/" {
			continue
		}
		_, err := i.store.Node(ctx, a)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to read %s: %w", a, err)
		}
		out = append(out, repository.NewNode(a, repository.TypeUnknown))
	}
	return out, nil
}
