package source

import (
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

// MaxFilesPerItem caps the files stored for one item, content file included.
const MaxFilesPerItem = 40

// DefaultExtensions is the downloadable-extension allowlist.
var DefaultExtensions = []string{
	".txt", ".doc", ".docx", ".pdf", ".xls", ".xlsx",
	".zip", ".rar", ".7z",
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp",
}

// pageExtensions mark links to other pages rather than files.
var pageExtensions = map[string]struct{}{
	".html": {}, ".htm": {}, ".shtml": {}, ".asp": {}, ".aspx": {},
}

// AttachmentFilter decides which discovered links are downloaded.
type AttachmentFilter struct {
	allowed map[string]struct{}
}

// NewAttachmentFilter builds a filter from an extension allowlist. An empty
// list selects DefaultExtensions.
func NewAttachmentFilter(extensions []string) AttachmentFilter {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return AttachmentFilter{allowed: allowed}
}

// Extension returns the allowlisted extension of ref, looking at the URL
// path, then query values (download endpoints often carry the file name
// there), then ref.Name. It returns "" when none matches.
func (f AttachmentFilter) Extension(ref crawler.AttachmentRef) string {
	var candidates []string
	if u, err := url.Parse(ref.URL); err == nil {
		candidates = append(candidates, u.Path)
		for _, values := range u.Query() {
			candidates = append(candidates, values...)
		}
	}
	candidates = append(candidates, ref.Name)
	for _, c := range candidates {
		ext := strings.ToLower(path.Ext(strings.TrimSpace(c)))
		if _, ok := f.allowed[ext]; ok {
			return ext
		}
	}
	return ""
}

// Allowed reports whether ref points at a downloadable file.
func (f AttachmentFilter) Allowed(ref crawler.AttachmentRef) bool {
	u, err := url.Parse(ref.URL)
	if err != nil || ref.URL == "" {
		return false
	}
	if _, page := pageExtensions[strings.ToLower(path.Ext(u.Path))]; page {
		return false
	}
	return f.Extension(ref) != ""
}

// Select drops disallowed and duplicate refs and keeps at most limit.
func (f AttachmentFilter) Select(refs []crawler.AttachmentRef, limit int) []crawler.AttachmentRef {
	seen := make(map[string]struct{}, len(refs))
	out := make([]crawler.AttachmentRef, 0, len(refs))
	for _, ref := range refs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !f.Allowed(ref) {
			continue
		}
		if _, dup := seen[ref.URL]; dup {
			continue
		}
		seen[ref.URL] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// AnyAllowed reports whether at least one ref would be downloaded.
func (f AttachmentFilter) AnyAllowed(refs []crawler.AttachmentRef) bool {
	for _, ref := range refs {
		if f.Allowed(ref) {
			return true
		}
	}
	return false
}
