// Package reference loads the labelled "standard" component images that
// queries are matched against.
package reference

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"go.uber.org/zap"

	"github.com/example/component-matcher/internal/imageprocessor"
	"github.com/example/component-matcher/internal/matcher"
)

// Set is an ordered, read-only collection of references.
type Set struct {
	References []matcher.Reference
	// Fingerprint changes whenever a file name or file content changes.
	Fingerprint string
}

// Len returns the number of references, including ones that failed to decode.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.References)
}

// Usable counts references that decoded successfully.
func (s *Set) Usable() int {
	n := 0
	for _, ref := range s.References {
		if ref.Err == nil && ref.Image != nil {
			n++
		}
	}
	return n
}

// Source yields the reference set used for a match.
type Source interface {
	Load(ctx context.Context) (*Set, error)
}

// DirectorySource reads every regular, non-hidden file in Dir on each Load.
type DirectorySource struct {
	Dir    string
	Logger *zap.Logger
}

// NewDirectorySource returns a source rooted at dir.
func NewDirectorySource(dir string, logger *zap.Logger) *DirectorySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectorySource{Dir: dir, Logger: logger.Named("reference_source")}
}

// Load decodes the directory contents in lexicographic file-name order.
// Files that cannot be read or decoded are kept with Reference.Err set.
func (s *DirectorySource) Load(ctx context.Context) (*Set, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read reference directory %q: %w", s.Dir, err)
	}

	ordered := treemap.NewWithStringComparator()
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !entry.Type().IsRegular() && entry.Type()&fs.ModeSymlink == 0 {
			continue
		}
		ordered.Put(name, filepath.Join(s.Dir, name))
	}

	set := &Set{References: make([]matcher.Reference, 0, ordered.Size())}
	digest := sha1.New()
	it := ordered.Iterator()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fileName := it.Key().(string)
		ref, sum := s.loadOne(fileName, it.Value().(string))
		fmt.Fprintf(digest, "%s:%s\n", fileName, sum)
		if ref.Err != nil {
			s.Logger.Warn("reference unusable", zap.String("file", fileName), zap.Error(ref.Err))
		}
		set.References = append(set.References, ref)
	}
	set.Fingerprint = hex.EncodeToString(digest.Sum(nil))
	return set, nil
}

func (s *DirectorySource) loadOne(fileName, path string) (matcher.Reference, string) {
	ref := matcher.Reference{Name: NameFromFile(fileName), FileName: fileName}
	data, err := os.ReadFile(path)
	if err != nil {
		ref.Err = err
		return ref, "unreadable"
	}
	sum := sha1.Sum(data)
	ref.Image, ref.Err = imageprocessor.LoadGrayscale(fileName, data)
	return ref, hex.EncodeToString(sum[:])
}

// NameFromFile strips the extension from a reference file name.
func NameFromFile(fileName string) string {
	return strings.TrimSuffix(fileName, filepath.Ext(fileName))
}

// CachedSource loads its underlying source once and serves that set until
// Invalidate is called.
type CachedSource struct {
	source Source
	logger *zap.Logger

	mu  sync.Mutex
	set *Set
}

// NewCachedSource wraps source with a process-lifetime cache.
func NewCachedSource(source Source, logger *zap.Logger) *CachedSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedSource{source: source, logger: logger.Named("reference_cache")}
}

// Load returns the cached set, loading it on first use.
func (c *CachedSource) Load(ctx context.Context) (*Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set != nil {
		return c.set, nil
	}
	set, err := c.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	c.set = set
	c.logger.Info("reference set loaded",
		zap.Int("references", set.Len()),
		zap.Int("usable", set.Usable()),
		zap.String("fingerprint", set.Fingerprint))
	return set, nil
}

// Invalidate drops the cached set so the next Load rereads the source.
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	c.set = nil
	c.mu.Unlock()
}

// Reload invalidates and immediately loads a fresh set.
func (c *CachedSource) Reload(ctx context.Context) (*Set, error) {
	c.Invalidate()
	return c.Load(ctx)
}
