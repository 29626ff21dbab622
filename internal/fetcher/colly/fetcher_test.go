package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

func TestFetcherPostsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	var gotBody, gotMethod, gotType, gotCookie, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("<datastore></datastore>"))
	}))
	defer srv.Close()

	f, err := New(Config{
		UserAgent: "harvester-test",
		Timeout:   time.Second,
		Cookies:   map[string]string{"session": "abc"},
	})
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		Method:  http.MethodPost,
		URL:     srv.URL + "/dataproxy.jsp?startrecord=1",
		Headers: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:    []byte("col=1&columnid=244"),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<datastore></datastore>", string(resp.Body))
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "col=1&columnid=244", gotBody)
	require.Equal(t, "application/x-www-form-urlencoded", gotType)
	require.Equal(t, "session=abc", gotCookie)
	require.Equal(t, "harvester-test", gotUA)
}

func TestFetcherReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := New(Config{Timeout: time.Second})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestFetcherHonorsContextCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	f, err := New(Config{Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRejectsBadProxy(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Proxy: "://bad"})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f, err := New(Config{Headers: http.Header{"Referer": {"https://www.nhsa.gov.cn/"}}})
	require.NoError(t, err)
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Equal(t, "https://www.nhsa.gov.cn/", collyReq.Headers.Get("Referer"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
