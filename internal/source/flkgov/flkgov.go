// Package flkgov adapts the National Laws and Regulations Database. Listing
// and download are both JSON APIs; each law is harvested as its .docx.
package flkgov

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
)

// Kind is the registry key.
const Kind = "flkgov"

// Defaults for the public site.
const (
	DefaultBaseURL  = "https://flk.npc.gov.cn/"
	DefaultPageSize = 20
	searchPath      = "law-search/search/list"
	downloadPath    = "law-search/download/pc"
	searchReferer   = "search"
)

// Field keys stored on link records.
const (
	FieldBBBS             = "bbbs"
	FieldRegulationType   = "regulation_type"
	FieldIssuingBody      = "issuing_body"
	FieldPromulgationDate = "promulgation_date"
	FieldEffectiveDate    = "effective_date"
)

// DefaultSections lists the harvested search ranges.
var DefaultSections = []source.Section{
	{ID: "1", Name: "法律法规", SizeHint: 1445 * DefaultPageSize},
}

// Adapter implements source.Adapter for flkgov.
type Adapter struct {
	fetcher  crawler.Fetcher
	base     string
	pageSize int
	sections []source.Section
	headers  http.Header
	clock    crawler.Clock
	logger   *zap.Logger
}

var _ source.Adapter = (*Adapter)(nil)

// New builds the adapter from registry deps.
func New(deps source.Deps) (source.Adapter, error) {
	deps = deps.WithDefaults()
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("flkgov: fetcher is required")
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
		return nil, fmt.Errorf("flkgov: parse base url: %w", err)
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
		clock:    deps.Clock,
		logger:   deps.Logger.Named(Kind),
	}, nil
}

// Sections implements source.Adapter.
func (a *Adapter) Sections() []source.Section { return a.sections }

// PageSize implements source.Adapter.
func (a *Adapter) PageSize() int { return a.pageSize }

type orderBy struct {
	Order string `json:"order"`
	Sort  string `json:"sort"`
}

type searchRequest struct {
	SearchRange   int      `json:"searchRange"`
	Sxrq          []string `json:"sxrq"`
	Gbrq          []string `json:"gbrq"`
	SearchType    int      `json:"searchType"`
	Sxx           []string `json:"sxx"`
	GbrqYear      []string `json:"gbrqYear"`
	FlfgCodeID    []string `json:"flfgCodeId"`
	ZdjgCodeID    []string `json:"zdjgCodeId"`
	SearchContent string   `json:"searchContent"`
	OrderByParam  orderBy  `json:"orderByParam"`
	PageNum       int      `json:"pageNum"`
	PageSize      int      `json:"pageSize"`
}

type searchRow struct {
	BBBS     string `json:"bbbs"`
	Title    string `json:"title"`
	Flxz     string `json:"flxz"`
	ZdjgName string `json:"zdjgName"`
	Gbrq     string `json:"gbrq"`
	Sxrq     string `json:"sxrq"`
}

type searchResponse struct {
	Code  int         `json:"code"`
	Msg   string      `json:"msg"`
	Total int         `json:"total"`
	Rows  []searchRow `json:"rows"`
}

type downloadResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

// ListRequest implements source.Adapter.
func (a *Adapter) ListRequest(section source.Section, offset, _ int) (crawler.FetchRequest, error) {
	searchRange := 1
	if section.ID != "" {
		if _, err := fmt.Sscanf(section.ID, "%d", &searchRange); err != nil {
			return crawler.FetchRequest{}, fmt.Errorf("flkgov: section id %q: %w", section.ID, err)
		}
	}
	body, err := json.Marshal(searchRequest{
		SearchRange:  searchRange,
		Sxrq:         []string{},
		Gbrq:         []string{},
		SearchType:   2,
		Sxx:          []string{},
		GbrqYear:     []string{},
		FlfgCodeID:   []string{},
		ZdjgCodeID:   []string{},
		OrderByParam: orderBy{Order: "-1"},
		PageNum:      offset/a.pageSize + 1,
		PageSize:     a.pageSize,
	})
	if err != nil {
		return crawler.FetchRequest{}, fmt.Errorf("flkgov: encode search: %w", err)
	}
	headers := a.apiHeaders()
	headers.Set("Content-Type", "application/json;charset=UTF-8")
	return crawler.FetchRequest{
		Method:  http.MethodPost,
		URL:     a.base + searchPath,
		Headers: headers,
		Body:    body,
	}, nil
}

func (a *Adapter) apiHeaders() http.Header {
	h := http.Header{}
	for k, v := range a.headers {
		h[k] = append([]string(nil), v...)
	}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Origin", strings.TrimSuffix(a.base, "/"))
	h.Set("Referer", a.base+searchReferer)
	return h
}

// ExtractItems implements source.Adapter.
func (a *Adapter) ExtractItems(resp crawler.FetchResponse) ([]source.RawItem, error) {
	var payload searchResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("flkgov: decode search: %w", err)
	}
	if payload.Code != 0 && payload.Code != http.StatusOK {
		return nil, fmt.Errorf("flkgov: search returned code %d: %s", payload.Code, payload.Msg)
	}
	items := make([]source.RawItem, 0, len(payload.Rows))
	for _, row := range payload.Rows {
		if row.BBBS == "" {
			continue
		}
		items = append(items, source.RawItem{
			URL:   a.detailURL(row.BBBS, row.Title),
			Title: row.Title,
			Fields: map[string]string{
				FieldBBBS:             row.BBBS,
				FieldRegulationType:   row.Flxz,
				FieldIssuingBody:      row.ZdjgName,
				FieldPromulgationDate: row.Gbrq,
				FieldEffectiveDate:    row.Sxrq,
			},
		})
	}
	return items, nil
}

func (a *Adapter) detailURL(bbbs, title string) string {
	return a.base + "detail?id=" + url.QueryEscape(bbbs) +
		"&fileId=&type=&title=" + strings.ReplaceAll(url.QueryEscape(title), "+", "%20")
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

// FetchDetail implements source.Adapter. The download API hands back a
// signed URL for the .docx, which becomes the primary file.
func (a *Adapter) FetchDetail(ctx context.Context, link crawler.LinkRecord) source.Detail {
	bbbs := link.Field(FieldBBBS)
	if bbbs == "" {
		if u, err := url.Parse(link.URL); err == nil {
			bbbs = u.Query().Get("id")
		}
	}
	if bbbs == "" {
		return source.Skipped("missing bbbs")
	}
	query := url.Values{}
	query.Set("format", "docx")
	query.Set("bbbs", bbbs)
	resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{
		Method:  http.MethodGet,
		URL:     a.base + downloadPath + "?" + query.Encode(),
		Headers: a.apiHeaders(),
	})
	if err != nil {
		return source.FetchFailed(err)
	}
	var payload downloadResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return source.Detail{Outcome: source.Skip, Err: fmt.Errorf("flkgov: decode download: %w", err)}
	}
	if payload.Code != http.StatusOK {
		a.logger.Debug("download api refused", zap.String("bbbs", bbbs), zap.Int("code", payload.Code))
		return source.Skipped(fmt.Sprintf("download api code %d: %s", payload.Code, payload.Msg))
	}
	if strings.TrimSpace(payload.Data.URL) == "" {
		return source.Skipped("download api returned no url")
	}
	return source.Detail{
		Outcome: source.Success,
		Primary: &crawler.AttachmentRef{
			URL:  source.Resolve(a.base, payload.Data.URL),
			Name: link.Title + ".docx",
		},
	}
}

// BuildDocument implements source.Adapter.
func (a *Adapter) BuildDocument(link crawler.LinkRecord, _ string, filePaths []string) crawler.Document {
	if filePaths == nil {
		filePaths = []string{}
	}
	return crawler.Document{
		Title:       link.Title,
		PublishDate: link.Field(FieldPromulgationDate),
		URL:         link.URL,
		Data: map[string]any{
			"category":          link.Section,
			"regulation_type":   link.Field(FieldRegulationType),
			"issuing_body":      link.Field(FieldIssuingBody),
			"promulgation_date": link.Field(FieldPromulgationDate),
			"effective_date":    link.Field(FieldEffectiveDate),
			"file_paths":        filePaths,
			"crawled_at":        a.clock.Now().Format(time.RFC3339),
		},
	}
}
