package source

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

type stubAdapter struct{ Adapter }

func TestRegistryBuildsRegisteredKinds(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var gotDeps Deps
	require.NoError(t, r.Register("stub", func(d Deps) (Adapter, error) {
		gotDeps = d
		return stubAdapter{}, nil
	}))
	require.Error(t, r.Register("stub", func(Deps) (Adapter, error) { return stubAdapter{}, nil }))
	require.Error(t, r.Register("", nil))

	a, err := r.Build("stub", Deps{Options: Options{PageSize: 7}})
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, 7, gotDeps.Options.PageSize)
	require.NotNil(t, gotDeps.Logger)
	require.Equal(t, []string{"stub"}, r.Kinds())

	_, err = r.Build("missing", Deps{})
	require.ErrorIs(t, err, ErrUnknownAdapter)
}

func TestRegistryWrapsFactoryErrors(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	boom := errors.New("boom")
	require.NoError(t, r.Register("bad", func(Deps) (Adapter, error) { return nil, boom }))
	_, err := r.Build("bad", Deps{})
	require.ErrorIs(t, err, boom)
}

func TestMergeSections(t *testing.T) {
	t.Parallel()

	defaults := []Section{{ID: "104", Name: "政策法规", SizeHint: 244}, {ID: "105", Name: "政策解读", SizeHint: 105}}
	got := MergeSections(defaults, []Section{{ID: "105", SizeHint: 200}, {ID: "999", Name: "extra"}})
	require.Equal(t, []Section{
		{ID: "104", Name: "政策法规", SizeHint: 244},
		{ID: "105", Name: "政策解读", SizeHint: 200},
		{ID: "999", Name: "extra"},
	}, got)
	require.Equal(t, 105, defaults[1].SizeHint)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://www.nhsa.gov.cn/art/2024/1/1/art_1.html",
		Resolve("https://www.nhsa.gov.cn/", "/art/2024/1/1/art_1.html"))
	require.Equal(t, "https://www.nhc.gov.cn/wjw/zcfg/a.shtml",
		Resolve("https://www.nhc.gov.cn/wjw/zcfg/list.shtml", "a.shtml"))
	require.Empty(t, Resolve("https://example.com/", "  "))
	require.Equal(t, "https://www.nhc.gov.cn/a.shtml?b=2&a=1",
		Resolve("HTTPS://WWW.NHC.GOV.CN:443/x/", "/a.shtml?b=2&a=1#top"))
	require.Equal(t, "http://example.com/doc", Resolve("http://example.com:80/", "doc"))
}

func TestAttachmentFilter(t *testing.T) {
	t.Parallel()

	f := NewAttachmentFilter(nil)
	cases := []struct {
		ref  crawler.AttachmentRef
		want bool
		ext  string
	}{
		{crawler.AttachmentRef{URL: "https://x/a/report.PDF"}, true, ".pdf"},
		{crawler.AttachmentRef{URL: "https://x/art/1.html"}, false, ""},
		{crawler.AttachmentRef{URL: "https://x/module/download/downfile.jsp?filename=notice.docx"}, true, ".docx"},
		{crawler.AttachmentRef{URL: "https://x/download?id=1", Name: "law.docx"}, true, ".docx"},
		{crawler.AttachmentRef{URL: "https://x/page.shtml?f=a.pdf"}, false, ".pdf"},
		{crawler.AttachmentRef{URL: "https://x/script.js"}, false, ""},
		{crawler.AttachmentRef{URL: ""}, false, ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, f.Allowed(tc.ref), tc.ref.URL)
		require.Equal(t, tc.ext, f.Extension(tc.ref), tc.ref.URL)
	}
}

func TestAttachmentFilterSelectDedupesAndCaps(t *testing.T) {
	t.Parallel()

	f := NewAttachmentFilter([]string{"pdf"})
	refs := []crawler.AttachmentRef{
		{URL: "https://x/1.pdf"},
		{URL: "https://x/1.pdf"},
		{URL: "https://x/2.doc"},
		{URL: "https://x/3.pdf"},
		{URL: "https://x/4.pdf"},
	}
	got := f.Select(refs, 2)
	require.Equal(t, []crawler.AttachmentRef{{URL: "https://x/1.pdf"}, {URL: "https://x/3.pdf"}}, got)
	require.True(t, f.AnyAllowed(refs))
	require.False(t, f.AnyAllowed(refs[2:3]))
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "success", Success.String())
	require.Equal(t, "skip", Skip.String())
	require.Equal(t, "fail", Fail.String())
}
