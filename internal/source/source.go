// Package source defines the site adapter contract the crawl engine is
// written against, plus the registry that builds adapters by kind.
package source

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/fetcher"
)

// Section is one paginated listing of a site.
type Section struct {
	ID   string `mapstructure:"id" json:"id"`
	Name string `mapstructure:"name" json:"name"`
	// SizeHint is the expected item count; 0 means unbounded.
	SizeHint int `mapstructure:"size_hint" json:"size_hint"`
}

// RawItem is one entry extracted from a list page. URL is absolute.
type RawItem struct {
	URL    string
	Title  string
	Fields map[string]string
}

// Outcome classifies a detail fetch.
type Outcome int

// Detail outcomes.
const (
	// Fail is retried later by re-queueing the link.
	Fail Outcome = iota
	// Success carries content to persist.
	Success
	// Skip is benign: counted as done, never retried.
	Skip
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Skip:
		return "skip"
	default:
		return "fail"
	}
}

// Detail is the result of fetching one detail page.
type Detail struct {
	Outcome Outcome
	Content string
	// Primary is stored in slot 1 when the item has no text content.
	Primary     *crawler.AttachmentRef
	Attachments []crawler.AttachmentRef
	// Fields are merged into the link's fields before the document is built.
	Fields map[string]string
	Err    error
}

// FetchFailed maps a detail fetch error onto a Detail. A missing page is a
// benign skip; anything else is retried later.
func FetchFailed(err error) Detail {
	if errors.Is(err, fetcher.ErrNotFound) {
		return Detail{Outcome: Skip, Err: err}
	}
	return Detail{Outcome: Fail, Err: err}
}

// Skipped returns a benign skip carrying reason as its error.
func Skipped(reason string) Detail {
	return Detail{Outcome: Skip, Err: errors.New(reason)}
}

// Adapter supplies the site-specific request and parse logic.
type Adapter interface {
	Sections() []Section
	PageSize() int
	ListRequest(section Section, offset, limit int) (crawler.FetchRequest, error)
	ExtractItems(resp crawler.FetchResponse) ([]RawItem, error)
	ToLinkRecord(raw RawItem, sectionName string) crawler.LinkRecord
	FetchDetail(ctx context.Context, link crawler.LinkRecord) Detail
	BuildDocument(link crawler.LinkRecord, content string, filePaths []string) crawler.Document
}

// Resolve joins href against base and normalizes the result so the same
// page always dedups to one key: scheme and host are lowercased, default
// ports and the fragment are dropped. The query is kept byte for byte since
// download links are often signed. Unparseable input yields "".
func Resolve(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	u := b.ResolveReference(ref)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// MergeSections applies overrides by ID onto defaults. Unknown override IDs
// are appended in order.
func MergeSections(defaults, overrides []Section) []Section {
	out := append([]Section(nil), defaults...)
	index := make(map[string]int, len(out))
	for i, s := range out {
		index[s.ID] = i
	}
	for _, o := range overrides {
		i, ok := index[o.ID]
		if !ok {
			index[o.ID] = len(out)
			out = append(out, o)
			continue
		}
		if o.Name != "" {
			out[i].Name = o.Name
		}
		if o.SizeHint != 0 {
			out[i].SizeHint = o.SizeHint
		}
	}
	return out
}
