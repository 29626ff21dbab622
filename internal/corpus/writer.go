// Package corpus persists harvested documents: one append-only NDJSON file
// per identity plus the content and attachment files in blob storage.
package corpus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/clock/system"
	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/hash/sha256"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
)

// DefaultMaxFiles caps the files stored per item, content file included.
const DefaultMaxFiles = source.MaxFilesPerItem

// tailWindow is how much of an existing data file is read to recover the
// last item ID.
const tailWindow = 64 << 10

// Options configures a Writer.
type Options struct {
	// DataDir is the per-identity directory holding the NDJSON file.
	DataDir    string
	MaxFiles   int
	Extensions []string
	// Publisher and Topic are optional; when set every saved document is
	// published after it is written.
	Publisher crawler.Publisher
	Topic     string
	// Hasher digests downloaded bodies so an item never stores the same
	// file twice. Defaults to SHA-256.
	Hasher crawler.Hasher
	Clock  crawler.Clock
	Logger *zap.Logger
}

// Writer appends documents for one identity.
type Writer struct {
	identity  string
	dataPath  string
	blobs     crawler.BlobStore
	fetcher   crawler.Fetcher
	publisher crawler.Publisher
	topic     string
	filter    source.AttachmentFilter
	hasher    crawler.Hasher
	maxFiles  int
	clock     crawler.Clock
	logger    *zap.Logger

	mu     sync.Mutex
	lastID uint64
}

// DataFileName returns the NDJSON file name for identity.
func DataFileName(identity string) string {
	return identity + "_data.jsonl"
}

// FilesPrefix returns the blob prefix holding identity's files.
func FilesPrefix(identity string) string {
	return identity + "_files/"
}

// FilePath returns the blob path of file n of an item.
func FilePath(identity string, itemID uint64, n int, ext string) string {
	id := strconv.FormatUint(itemID, 10)
	return FilesPrefix(identity) + id + "/" + id + "_" + strconv.Itoa(n) + ext
}

// NewWriter opens the writer, recovering the last item ID from an existing
// data file so IDs keep increasing across restarts.
func NewWriter(identity string, blobs crawler.BlobStore, fetcher crawler.Fetcher, opts Options) (*Writer, error) {
	if identity == "" {
		return nil, fmt.Errorf("corpus: identity is required")
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("corpus: data dir is required")
	}
	if blobs == nil || fetcher == nil {
		return nil, fmt.Errorf("corpus: blob store and fetcher are required")
	}
	if opts.Clock == nil {
		opts.Clock = system.Clock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.Hasher == nil {
		opts.Hasher = sha256.New()
	}
	if err := os.MkdirAll(opts.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("corpus: create data dir: %w", err)
	}
	w := &Writer{
		identity:  identity,
		dataPath:  filepath.Join(opts.DataDir, DataFileName(identity)),
		blobs:     blobs,
		fetcher:   fetcher,
		publisher: opts.Publisher,
		topic:     opts.Topic,
		filter:    source.NewAttachmentFilter(opts.Extensions),
		hasher:    opts.Hasher,
		maxFiles:  opts.MaxFiles,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("corpus").With(zap.String("identity", identity)),
	}
	last, err := lastItemID(w.dataPath)
	if err != nil {
		return nil, err
	}
	w.lastID = last
	return w, nil
}

// DataPath returns the NDJSON file path.
func (w *Writer) DataPath() string { return w.dataPath }

// Filter returns the attachment filter in effect.
func (w *Writer) Filter() source.AttachmentFilter { return w.filter }

// nextItemID returns a millisecond timestamp, bumped past the previous ID
// when the clock has not advanced.
func (w *Writer) nextItemID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := uint64(w.clock.Now().UnixMilli()) //nolint:gosec
	if id <= w.lastID {
		id = w.lastID + 1
	}
	w.lastID = id
	return id
}

// Save stores the detail's files, builds the document through the adapter
// and appends it to the data file. Attachment download failures are logged
// and the file is left out; only content and record writes fail the save.
func (w *Writer) Save(
	ctx context.Context,
	adapter source.Adapter,
	link crawler.LinkRecord,
	detail source.Detail,
) (crawler.Document, error) {
	itemID := w.nextItemID()
	paths := make([]string, 0, 1+len(detail.Attachments))
	seen := make(map[string]struct{}, 1+len(detail.Attachments))

	switch {
	case detail.Content != "":
		p := FilePath(w.identity, itemID, 1, ".txt")
		body := []byte(detail.Content)
		if _, err := w.blobs.PutObject(ctx, p, "text/plain; charset=utf-8", bytes.NewReader(body)); err != nil {
			return crawler.Document{}, fmt.Errorf("corpus: write content: %w", err)
		}
		w.remember(seen, body)
		paths = append(paths, p)
	case detail.Primary != nil:
		ext := w.filter.Extension(*detail.Primary)
		if ext == "" {
			ext = ".bin"
		}
		p := FilePath(w.identity, itemID, 1, ext)
		if _, err := w.download(ctx, *detail.Primary, p, seen); err != nil {
			return crawler.Document{}, fmt.Errorf("corpus: download primary file: %w", err)
		}
		paths = append(paths, p)
	}

	n := 2
	for _, ref := range w.filter.Select(detail.Attachments, w.maxFiles-1) {
		p := FilePath(w.identity, itemID, n, w.filter.Extension(ref))
		stored, err := w.download(ctx, ref, p, seen)
		if err != nil {
			if ctx.Err() != nil {
				return crawler.Document{}, fmt.Errorf("corpus: download attachment: %w", err)
			}
			w.logger.Warn("attachment download failed",
				zap.String("url", ref.URL),
				zap.Error(err),
			)
			continue
		}
		if !stored {
			w.logger.Debug("duplicate attachment skipped", zap.String("url", ref.URL))
			continue
		}
		paths = append(paths, p)
		n++
	}

	merged := link
	if len(detail.Fields) > 0 {
		merged.Fields = make(map[string]string, len(link.Fields)+len(detail.Fields))
		for k, v := range link.Fields {
			merged.Fields[k] = v
		}
		for k, v := range detail.Fields {
			merged.Fields[k] = v
		}
	}
	doc := adapter.BuildDocument(merged, detail.Content, paths)
	doc.ItemID = itemID

	if err := w.append(doc); err != nil {
		return crawler.Document{}, err
	}
	w.publish(ctx, doc)
	return doc, nil
}

// download fetches ref and stores it at blobPath. It reports false without
// writing when the item already holds an identical body.
func (w *Writer) download(
	ctx context.Context,
	ref crawler.AttachmentRef,
	blobPath string,
	seen map[string]struct{},
) (bool, error) {
	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{Method: http.MethodGet, URL: ref.URL})
	if err != nil {
		return false, fmt.Errorf("fetch %s: %w", ref.URL, err)
	}
	if len(resp.Body) == 0 {
		return false, fmt.Errorf("fetch %s: empty body", ref.URL)
	}
	if !w.remember(seen, resp.Body) {
		return false, nil
	}
	if _, err := w.blobs.PutObject(ctx, blobPath, resp.Headers.Get("Content-Type"), bytes.NewReader(resp.Body)); err != nil {
		return false, fmt.Errorf("store %s: %w", blobPath, err)
	}
	return true, nil
}

// remember records body's digest and reports whether it was new. A hashing
// failure counts as new.
func (w *Writer) remember(seen map[string]struct{}, body []byte) bool {
	digest, err := w.hasher.Hash(body)
	if err != nil {
		return true
	}
	if _, dup := seen[digest]; dup {
		return false
	}
	seen[digest] = struct{}{}
	return true
}

func (w *Writer) append(doc crawler.Document) error {
	line, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("corpus: encode document: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.dataPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("corpus: open data file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("corpus: append document: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("corpus: close data file: %w", err)
	}
	return nil
}

func (w *Writer) publish(ctx context.Context, doc crawler.Document) {
	if w.publisher == nil || w.topic == "" {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.topic, doc); err != nil {
		w.logger.Warn("publish document failed",
			zap.Uint64("item_id", doc.ItemID),
			zap.Error(err),
		)
	}
}

func lastItemID(path string) (uint64, error) {
	f, err := os.Open(path) // #nosec G304 -- path is built from configured data dir.
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("corpus: open data file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("corpus: stat data file: %w", err)
	}
	start := info.Size() - tailWindow
	if start < 0 {
		start = 0
	}
	buf := make([]byte, info.Size()-start)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("corpus: read data file: %w", err)
	}
	lines := bytes.Split(bytes.TrimRight(buf, "\n"), []byte{'\n'})
	for i := len(lines) - 1; i >= 0; i-- {
		var rec struct {
			ItemID uint64 `json:"item_id"`
		}
		if json.Unmarshal(lines[i], &rec) == nil && rec.ItemID > 0 {
			return rec.ItemID, nil
		}
	}
	return 0, nil
}
