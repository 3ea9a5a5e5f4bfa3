// Package catalog maintains the in-memory index of snapshot files.
//
// The index is a sorted, immutable slice published through an atomic pointer.
// Queries read whatever index is current and never wait for a refresh.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-file-service/internal/columnar"
	"github.com/kjstillabower/weather-file-service/internal/observability"
	"github.com/kjstillabower/weather-file-service/internal/snapshot"
	"github.com/kjstillabower/weather-file-service/internal/storage"
)

const defaultScanConcurrency = 4

// Store is the subset of the storage backend the catalog reads from.
type Store interface {
	List(ctx context.Context) iter.Seq2[string, error]
	Open(ctx context.Context, name string) (*storage.Object, error)
}

// Entry is one indexed snapshot file.
type Entry struct {
	Name       string
	Kind       snapshot.Kind
	CapturedAt time.Time
}

// Filter selects entries with Start <= CapturedAt < End. A zero Start or End
// leaves that side unbounded. Kinds nil selects every kind; a non-nil empty
// Kinds selects nothing.
type Filter struct {
	Start time.Time
	End   time.Time
	Kinds []snapshot.Kind
}

func (f Filter) matchKind(k snapshot.Kind) bool {
	return f.Kinds == nil || slices.Contains(f.Kinds, k)
}

// Stats describes the published index.
type Stats struct {
	Entries     int
	Skipped     int
	Generation  uint64
	RefreshedAt time.Time
}

type index struct {
	entries     []Entry
	skipped     int
	generation  uint64
	startSeq    uint64
	refreshedAt time.Time
}

// Catalog is safe for concurrent use.
type Catalog struct {
	store           Store
	logger          *zap.Logger
	scanConcurrency int

	current   atomic.Pointer[index]
	publishMu sync.Mutex
	requests  atomic.Uint64
	gen       atomic.Uint64
	group     singleflight.Group
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithScanConcurrency bounds the number of files StationIDs reads at once.
func WithScanConcurrency(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.scanConcurrency = n
		}
	}
}

// New returns an empty catalog. Call Refresh before serving queries.
func New(store Store, logger *zap.Logger, opts ...Option) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{store: store, logger: logger, scanConcurrency: defaultScanConcurrency}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(&index{})
	return c
}

// Refresh rebuilds the index from storage. Concurrent callers share one
// in-flight rebuild, but a caller only returns once a rebuild that started
// after its call has been published, so a file committed before Refresh is
// guaranteed to be visible when it returns. On error the previous index stays
// published.
func (c *Catalog) Refresh(ctx context.Context) error {
	seq := c.requests.Add(1)
	for {
		v, err, _ := c.group.Do("refresh", func() (any, error) {
			return c.rebuild(ctx)
		})
		if err != nil {
			return err
		}
		if v.(*index).startSeq >= seq {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (c *Catalog) rebuild(ctx context.Context) (*index, error) {
	start := time.Now()
	startSeq := c.requests.Load()

	var entries []Entry
	skipped := 0
	for name, err := range c.store.List(ctx) {
		if err != nil {
			observability.RecordCatalogRefresh(err, 0, 0, time.Since(start))
			c.logger.Error("catalog refresh failed", zap.Error(err))
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		parsed, err := snapshot.Parse(name)
		if err != nil {
			skipped++
			c.logger.Warn("skipping unrecognized file", zap.String("name", name), zap.Error(err))
			continue
		}
		entries = append(entries, Entry{Name: name, Kind: parsed.Kind, CapturedAt: parsed.CapturedAt})
	}
	slices.SortFunc(entries, compareEntries)

	idx := &index{
		entries:     entries,
		skipped:     skipped,
		startSeq:    startSeq,
		refreshedAt: time.Now(),
	}
	c.publishMu.Lock()
	prev := c.current.Load()
	if prev.generation != 0 && slices.EqualFunc(prev.entries, entries, sameEntry) {
		idx.generation = prev.generation
	} else {
		idx.generation = c.gen.Add(1)
	}
	c.current.Store(idx)
	c.publishMu.Unlock()

	elapsed := time.Since(start)
	observability.RecordCatalogRefresh(nil, len(entries), skipped, elapsed)
	c.logger.Debug("catalog refreshed",
		zap.Int("entries", len(entries)),
		zap.Int("skipped", skipped),
		zap.Uint64("generation", idx.generation),
		zap.Duration("duration", elapsed),
	)
	return idx, nil
}

func sameEntry(a, b Entry) bool {
	return a.Name == b.Name
}

func compareEntries(a, b Entry) int {
	if c := a.CapturedAt.Compare(b.CapturedAt); c != 0 {
		return c
	}
	if a.Name < b.Name {
		return -1
	}
	if a.Name > b.Name {
		return 1
	}
	return 0
}

// Entries returns the matching entries ascending by capture time, ties by name.
func (c *Catalog) Entries(f Filter) []Entry {
	if f.Kinds != nil && len(f.Kinds) == 0 {
		return []Entry{}
	}
	entries := c.current.Load().entries

	lo := 0
	if !f.Start.IsZero() {
		lo = sort.Search(len(entries), func(i int) bool { return !entries[i].CapturedAt.Before(f.Start) })
	}
	out := []Entry{}
	for _, e := range entries[lo:] {
		if !f.End.IsZero() && !e.CapturedAt.Before(f.End) {
			break
		}
		if f.matchKind(e.Kind) {
			out = append(out, e)
		}
	}
	return out
}

// Query returns the names of matching entries in Entries order. The result is
// never nil.
func (c *Catalog) Query(f Filter) []string {
	entries := c.Entries(f)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// Generation identifies the published index and keys derived caches. A
// refresh that finds the same set of files keeps the generation; any added or
// removed file, or a call to Invalidate, moves it forward.
func (c *Catalog) Generation() uint64 {
	return c.current.Load().generation
}

// Invalidate republishes the current entries under a new generation. Callers
// use it when a file's content changed but its name did not, as on overwrite.
func (c *Catalog) Invalidate() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	next := *c.current.Load()
	next.generation = c.gen.Add(1)
	c.current.Store(&next)
	c.logger.Debug("catalog invalidated", zap.Uint64("generation", next.generation))
}

// Stats reports on the published index.
func (c *Catalog) Stats() Stats {
	idx := c.current.Load()
	return Stats{
		Entries:     len(idx.entries),
		Skipped:     idx.skipped,
		Generation:  idx.generation,
		RefreshedAt: idx.refreshedAt,
	}
}

// StationIDs returns the sorted distinct station ids found in files of kind
// matching f. Files that cannot be opened or decoded are logged and skipped.
func (c *Catalog) StationIDs(ctx context.Context, kind snapshot.Kind, f Filter) ([]string, error) {
	f.Kinds = []snapshot.Kind{kind}
	entries := c.Entries(f)

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.scanConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			ids, err := c.scanStationIDs(gctx, e.Name)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				c.logger.Warn("skipping unreadable snapshot", zap.String("name", e.Name), zap.Error(err))
				return nil
			}
			mu.Lock()
			for _, id := range ids {
				seen[id] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (c *Catalog) scanStationIDs(ctx context.Context, name string) ([]string, error) {
	obj, err := c.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	ids, err := columnar.StationIDs(obj, obj.Size)
	if errors.Is(err, columnar.ErrMissingColumn) {
		return nil, nil
	}
	return ids, err
}

// Run refreshes once, then on every tick of interval until ctx is done.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) error {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial catalog refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("periodic catalog refresh failed", zap.Error(err))
			}
		}
	}
}
