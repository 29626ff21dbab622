// Package nhsa adapts the National Healthcare Security Administration site.
// List pages come from the jpage dataproxy as XML records wrapping HTML
// fragments in CDATA.
package nhsa

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
)

// Kind is the registry key.
const Kind = "nhsa"

// Defaults for the public site.
const (
	DefaultBaseURL  = "https://www.nhsa.gov.cn/"
	DefaultPageSize = 15
	listPath        = "module/web/jpage/dataproxy.jsp"
	unitID          = "2464"
	webName         = "国家医疗保障局"
)

// Field keys stored on link records.
const (
	FieldIndex          = "index"
	FieldDocumentNumber = "document_number"
	FieldPublishDate    = "publish_date"
	FieldDetailTitle    = "detail_title"
)

// DefaultSections lists the harvested columns.
var DefaultSections = []source.Section{
	{ID: "104", Name: "政策法规", SizeHint: 244},
	{ID: "105", Name: "政策解读", SizeHint: 105},
	{ID: "109", Name: "通知公告", SizeHint: 267},
	{ID: "110", Name: "建议提案", SizeHint: 783},
}

// Adapter implements source.Adapter for nhsa.
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
		return nil, fmt.Errorf("nhsa: fetcher is required")
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
		return nil, fmt.Errorf("nhsa: parse base url: %w", err)
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

// ListRequest implements source.Adapter. The dataproxy uses 1-based
// inclusive record bounds.
func (a *Adapter) ListRequest(section source.Section, offset, limit int) (crawler.FetchRequest, error) {
	if limit <= 0 {
		return crawler.FetchRequest{}, fmt.Errorf("nhsa: limit must be positive")
	}
	query := url.Values{}
	query.Set("startrecord", strconv.Itoa(offset+1))
	query.Set("endrecord", strconv.Itoa(offset+limit))
	query.Set("perpage", strconv.Itoa(a.pageSize))

	form := url.Values{}
	form.Set("col", "1")
	form.Set("appid", "1")
	form.Set("webid", "1")
	form.Set("path", "/")
	form.Set("columnid", section.ID)
	form.Set("sourceContentType", "1")
	form.Set("unitid", unitID)
	form.Set("webname", webName)
	form.Set("permissiontype", "0")

	headers := a.baseHeaders()
	headers.Set("Accept", "application/xml, text/xml, */*; q=0.01")
	headers.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	headers.Set("X-Requested-With", "XMLHttpRequest")

	return crawler.FetchRequest{
		Method:  http.MethodPost,
		URL:     a.base + listPath + "?" + query.Encode(),
		Headers: headers,
		Body:    []byte(form.Encode()),
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
	doc, err := xmlquery.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("nhsa: parse datastore: %w", err)
	}
	records := xmlquery.Find(doc, "//record")
	items := make([]source.RawItem, 0, len(records))
	for _, record := range records {
		item, ok, err := a.parseRecord(record.InnerText())
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (a *Adapter) parseRecord(fragment string) (source.RawItem, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return source.RawItem{}, false, fmt.Errorf("nhsa: parse record: %w", err)
	}
	spans := doc.Find("span")
	if spans.Length() < 4 {
		return source.RawItem{}, false, nil
	}
	titleSpan := spans.Eq(1)
	link := titleSpan.Find("a").First()
	title := strings.TrimSpace(titleSpan.Text())
	var href string
	if link.Length() > 0 {
		title = strings.TrimSpace(link.Text())
		href, _ = link.Attr("href")
	}
	target := source.Resolve(a.base, href)
	if target == "" {
		return source.RawItem{}, false, nil
	}
	return source.RawItem{
		URL:   target,
		Title: title,
		Fields: map[string]string{
			FieldIndex:          strings.TrimSpace(spans.Eq(0).Text()),
			FieldDocumentNumber: strings.TrimSpace(spans.Eq(2).Text()),
			FieldPublishDate:    strings.TrimSpace(spans.Eq(3).Text()),
		},
	}, true, nil
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

// FetchDetail implements source.Adapter.
func (a *Adapter) FetchDetail(ctx context.Context, link crawler.LinkRecord) source.Detail {
	headers := a.baseHeaders()
	headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{
		Method:  http.MethodGet,
		URL:     link.URL,
		Headers: headers,
	})
	if err != nil {
		return source.FetchFailed(err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return source.Detail{Outcome: source.Skip, Err: fmt.Errorf("nhsa: parse detail: %w", err)}
	}

	title := strings.TrimSpace(doc.Find("span.mu-sp-2").First().Text())
	zoom := doc.Find("div#zoom")
	content := strings.TrimSpace(zoom.Text())

	var refs []crawler.AttachmentRef
	zoom.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if target := source.Resolve(a.base, href); target != "" {
			refs = append(refs, crawler.AttachmentRef{URL: target, Name: strings.TrimSpace(s.Text())})
		}
	})

	if content == "" && !a.filter.AnyAllowed(refs) {
		return source.Skipped("no content and no attachments")
	}
	detail := source.Detail{
		Outcome:     source.Success,
		Content:     content,
		Attachments: refs,
	}
	if title != "" {
		detail.Fields = map[string]string{FieldDetailTitle: title}
	}
	return detail
}

// BuildDocument implements source.Adapter.
func (a *Adapter) BuildDocument(link crawler.LinkRecord, _ string, filePaths []string) crawler.Document {
	title := link.Field(FieldDetailTitle)
	if title == "" {
		title = link.Title
	}
	if filePaths == nil {
		filePaths = []string{}
	}
	return crawler.Document{
		Title:       title,
		PublishDate: link.Field(FieldPublishDate),
		URL:         link.URL,
		Data: map[string]any{
			"category":        link.Section,
			"index":           link.Field(FieldIndex),
			"document_number": link.Field(FieldDocumentNumber),
			"file_paths":      filePaths,
			"crawled_at":      a.clock.Now().Format(time.RFC3339),
		},
	}
}
