// Package wjw adapts the National Health Commission policy listings, which
// are static paginated HTML.
package wjw

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
)

// Kind is the registry key.
const Kind = "wjw"

// Defaults for the public site.
const (
	DefaultBaseURL  = "https://www.nhc.gov.cn/"
	DefaultPageSize = 24
)

// Field keys stored on link records.
const (
	FieldPublishDate = "publish_date"
	FieldSource      = "source"
)

// DefaultSections lists the harvested columns. The section ID is the listing
// directory relative to the base URL.
var DefaultSections = []source.Section{
	{ID: "wjw/zcfg", Name: "政策法规", SizeHint: 1512},
}

const (
	itemsXPath   = `//ul[@class="zxxx_list mt20"]//li`
	sourceXPath  = `//div[@class="source"]/span[@class="mr"]//text()`
	contentXPath = `//div[@id="xw_box"]//p//text()`
	linksXPath   = `//div[@id="xw_box"]//a[@href]`
	imagesXPath  = `//div[@id="xw_box"]//img[@src]`
)

// Adapter implements source.Adapter for wjw.
type Adapter struct {
	fetcher  crawler.Fetcher
	base     string
	pageSize int
	sections []source.Section
	headers  http.Header
	filter   source.AttachmentFilter
	clock    crawler.Clock
	logger   *zap.Logger
}

var _ source.Adapter = (*Adapter)(nil)

// New builds the adapter from registry deps.
func New(deps source.Deps) (source.Adapter, error) {
	deps = deps.WithDefaults()
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("wjw: fetcher is required")
	}
	opts := deps.Options
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("wjw: parse base url: %w", err)
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Adapter{
		fetcher:  deps.Fetcher,
		base:     base,
		pageSize: pageSize,
		sections: source.MergeSections(DefaultSections, opts.Sections),
		headers:  opts.Headers,
		filter:   source.NewAttachmentFilter(nil),
		clock:    deps.Clock,
		logger:   deps.Logger.Named(Kind),
	}, nil
}

// Sections implements source.Adapter.
func (a *Adapter) Sections() []source.Section { return a.sections }

// PageSize implements source.Adapter.
func (a *Adapter) PageSize() int { return a.pageSize }

// ListRequest implements source.Adapter. The site paginates by page number:
// list.shtml for the first page and list_N.shtml afterwards.
func (a *Adapter) ListRequest(section source.Section, offset, _ int) (crawler.FetchRequest, error) {
	dir := strings.Trim(section.ID, "/")
	if dir == "" {
		return crawler.FetchRequest{}, fmt.Errorf("wjw: empty section id")
	}
	page := offset/a.pageSize + 1
	name := "list.shtml"
	if page > 1 {
		name = "list_" + strconv.Itoa(page) + ".shtml"
	}
	headers := a.baseHeaders()
	headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	return crawler.FetchRequest{
		Method:  http.MethodGet,
		URL:     a.base + dir + "/" + name,
		Headers: headers,
	}, nil
}

func (a *Adapter) baseHeaders() http.Header {
	h := http.Header{}
	for k, v := range a.headers {
		h[k] = append([]string(nil), v...)
	}
	return h
}

// ExtractItems implements source.Adapter.
func (a *Adapter) ExtractItems(resp crawler.FetchResponse) ([]source.RawItem, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("wjw: parse list: %w", err)
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = a.base
	}
	nodes, err := htmlquery.QueryAll(doc, itemsXPath)
	if err != nil {
		return nil, fmt.Errorf("wjw: query list: %w", err)
	}
	items := make([]source.RawItem, 0, len(nodes))
	for _, li := range nodes {
		anchor := htmlquery.FindOne(li, ".//a")
		if anchor == nil {
			continue
		}
		target := source.Resolve(pageURL, htmlquery.SelectAttr(anchor, "href"))
		if target == "" {
			continue
		}
		title := strings.TrimSpace(htmlquery.SelectAttr(anchor, "title"))
		if title == "" {
			title = strings.TrimSpace(htmlquery.InnerText(anchor))
		}
		var date string
		if span := htmlquery.FindOne(li, `.//span[@class="ml"]`); span != nil {
			date = strings.TrimSpace(htmlquery.InnerText(span))
		}
		items = append(items, source.RawItem{
			URL:    target,
			Title:  title,
			Fields: map[string]string{FieldPublishDate: date},
		})
	}
	return items, nil
}

// ToLinkRecord implements source.Adapter.
func (a *Adapter) ToLinkRecord(raw source.RawItem, sectionName string) crawler.LinkRecord {
	fields := make(map[string]string, len(raw.Fields))
	for k, v := range raw.Fields {
		fields[k] = v
	}
	return crawler.LinkRecord{
		URL:         raw.URL,
		Title:       raw.Title,
		Section:     sectionName,
		CollectedAt: a.clock.Now(),
		Fields:      fields,
	}
}

// FetchDetail implements source.Adapter. Linked documents come first, then
// inline images that look like files.
func (a *Adapter) FetchDetail(ctx context.Context, link crawler.LinkRecord) source.Detail {
	headers := a.baseHeaders()
	headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	headers.Set("Referer", a.base)
	resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{
		Method:  http.MethodGet,
		URL:     link.URL,
		Headers: headers,
	})
	if err != nil {
		return source.FetchFailed(err)
	}
	doc, err := htmlquery.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return source.Detail{Outcome: source.Skip, Err: fmt.Errorf("wjw: parse detail: %w", err)}
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = link.URL
	}

	origin := strings.TrimSpace(joinText(htmlquery.Find(doc, sourceXPath), ""))
	origin = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(origin, "来源:"), "来源："))
	content := strings.TrimSpace(joinText(htmlquery.Find(doc, contentXPath), "\n"))

	var refs []crawler.AttachmentRef
	for _, anchor := range htmlquery.Find(doc, linksXPath) {
		if target := source.Resolve(pageURL, htmlquery.SelectAttr(anchor, "href")); target != "" {
			refs = append(refs, crawler.AttachmentRef{URL: target, Name: strings.TrimSpace(htmlquery.InnerText(anchor))})
		}
	}
	images := 0
	for _, img := range htmlquery.Find(doc, imagesXPath) {
		target := source.Resolve(pageURL, htmlquery.SelectAttr(img, "src"))
		if target == "" {
			continue
		}
		ref := crawler.AttachmentRef{URL: target}
		if a.filter.Allowed(ref) {
			refs = append(refs, ref)
			images++
		}
	}

	if content == "" && len(refs) == 0 {
		return source.Skipped("no content, links or images")
	}
	a.logger.Debug("parsed detail",
		zap.String("url", link.URL),
		zap.Int("links", len(refs)-images),
		zap.Int("images", images),
	)
	detail := source.Detail{
		Outcome:     source.Success,
		Content:     content,
		Attachments: refs,
	}
	if origin != "" {
		detail.Fields = map[string]string{FieldSource: origin}
	}
	return detail
}

func joinText(nodes []*html.Node, sep string) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if s := strings.TrimSpace(n.Data); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

// BuildDocument implements source.Adapter.
func (a *Adapter) BuildDocument(link crawler.LinkRecord, _ string, filePaths []string) crawler.Document {
	if filePaths == nil {
		filePaths = []string{}
	}
	return crawler.Document{
		Title:       link.Title,
		PublishDate: link.Field(FieldPublishDate),
		URL:         link.URL,
		Data: map[string]any{
			"category":   link.Section,
			"source":     link.Field(FieldSource),
			"file_paths": filePaths,
			"crawled_at": a.clock.Now().Format(time.RFC3339),
		},
	}
}
