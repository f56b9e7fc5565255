package symbolmap

import (
	"context"

	"go.uber.org/zap"
	"mdticker.com/internal/model"
	"mdticker.com/pkg/logger"
)

// Source is an extra mapping source consulted after the files.
type Source interface {
	Load(ctx context.Context, feed string) ([]Entry, error)
}

// Request selects the mapping file for a feed. Options feeds read the
// series file, every other feed the symbol file.
type Request struct {
	Feed       string
	Options    bool
	SymbolFile string
	SeriesFile string
}

// Path is the file the request will read, or empty.
func (r Request) Path() string {
	if r.Options {
		return r.SeriesFile
	}
	return r.SymbolFile
}

type Resolver struct {
	source Source
}

// NewResolver accepts a nil source.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Load reads the mapping for req. Failures are logged as warnings and leave
// the map without the entries of the failed source; Load never fails.
func (r *Resolver) Load(ctx context.Context, req Request) *Map {
	m := NewMap()

	if path := req.Path(); path != "" {
		var (
			entries []Entry
			err     error
		)
		if req.Options {
			entries, err = LoadOptionsFromFile(path, req.Feed)
		} else {
			entries, err = LoadFromFile(path)
		}
		if err != nil {
			logger.Warn(ctx, "symbol mapping file not loaded",
				zap.String("feed", req.Feed),
				zap.String("path", path),
				zap.Error(err))
		} else {
			m.Merge(entries)
		}
	}

	if r != nil && r.source != nil {
		entries, err := r.source.Load(ctx, req.Feed)
		if err != nil {
			logger.Warn(ctx, "symbol store not loaded", zap.String("feed", req.Feed), zap.Error(err))
		} else if n := m.Merge(entries); n > 0 {
			logger.Debug(ctx, "symbol store merged", zap.String("feed", req.Feed), zap.Int("added", n))
		}
	}
	return m
}

// Resolve returns every product of the mapping for req, possibly none.
func (r *Resolver) Resolve(ctx context.Context, req Request) []model.Product {
	return r.Load(ctx, req).Products()
}
