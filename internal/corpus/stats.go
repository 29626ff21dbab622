package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

const maxRecordSize = 16 << 20

// Scan recomputes corpus stats for identity from its data file and the file
// listing of blobs. Both sources are read concurrently. When ctx ends first
// the partial snapshot gathered so far is returned with the context error.
func Scan(ctx context.Context, identity, dataDir string, blobs crawler.BlobStore) (crawler.StatsSnapshot, error) {
	var (
		records recordStats
		files   fileStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return records.scan(gctx, filepath.Join(dataDir, DataFileName(identity)))
	})
	if blobs != nil {
		g.Go(func() error {
			return files.scan(gctx, blobs, FilesPrefix(identity))
		})
	}
	err := g.Wait()

	snap := crawler.StatsSnapshot{
		TotalItems: records.total,
		Categories: records.categories,
		DateRange:  records.dates,
		FileCount:  files.count,
		FileTypes:  files.types,
	}
	if snap.Categories == nil {
		snap.Categories = map[string]int64{}
	}
	if snap.FileTypes == nil {
		snap.FileTypes = map[string]int64{}
	}
	if err != nil {
		return snap, fmt.Errorf("corpus: scan %s: %w", identity, err)
	}
	return snap, nil
}

type recordStats struct {
	total      int64
	categories map[string]int64
	dates      crawler.DateRange
}

func (s *recordStats) scan(ctx context.Context, dataPath string) error {
	s.categories = make(map[string]int64)
	f, err := os.Open(dataPath) // #nosec G304 -- path is built from configured data dir.
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), maxRecordSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec struct {
			PublishDate string `json:"publish_date"`
			Data        struct {
				Category string `json:"category"`
			} `json:"data"`
		}
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		s.total++
		if rec.Data.Category != "" {
			s.categories[rec.Data.Category]++
		}
		s.observeDate(rec.PublishDate)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read data file: %w", err)
	}
	return nil
}

// observeDate widens the range. Dates are compared as strings, which orders
// the sites' YYYY-MM-DD values correctly.
func (s *recordStats) observeDate(date string) {
	date = strings.TrimSpace(date)
	if date == "" {
		return
	}
	if s.dates.Earliest == "" || date < s.dates.Earliest {
		s.dates.Earliest = date
	}
	if s.dates.Latest == "" || date > s.dates.Latest {
		s.dates.Latest = date
	}
}

type fileStats struct {
	count int64
	types map[string]int64
}

func (s *fileStats) scan(ctx context.Context, blobs crawler.BlobStore, prefix string) error {
	s.types = make(map[string]int64)
	objects, err := blobs.ListObjects(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	for _, obj := range objects {
		s.count++
		ext := strings.ToLower(path.Ext(obj))
		if ext == "" {
			ext = "none"
		}
		s.types[ext]++
	}
	return nil
}
