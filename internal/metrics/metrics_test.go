package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://www.nhc.gov.cn/wjw/zcfg/list.shtml", "www.nhc.gov.cn"},
		{"standard https", "https://WWW.NHSA.gov.cn/module/web", "www.nhsa.gov.cn"},
		{"no scheme", "flk.npc.gov.cn/detail", "flk.npc.gov.cn"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{0: "error", 200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 999: "error"}
	for code, want := range cases {
		if got := StatusClass(code); got != want {
			t.Errorf("StatusClass(%d) = %q; want %q", code, got, want)
		}
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if harvesterPagesTotal == nil || harvesterItemsTotal == nil ||
		httpRequestsTotal == nil || harvesterQueueDepth == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserversRecord(t *testing.T) {
	ObservePage("metrics-test", "s1", "ok")
	ObservePage("metrics-test", "s1", "ok")
	if val := testutil.ToFloat64(harvesterPagesTotal.WithLabelValues("metrics-test", "s1", "ok")); val != 2 {
		t.Errorf("expected 2 pages, got %f", val)
	}

	SetQueueDepth("metrics-test", 7)
	if val := testutil.ToFloat64(harvesterQueueDepth.WithLabelValues("metrics-test")); val != 7 {
		t.Errorf("expected queue depth 7, got %f", val)
	}

	ObserveFetch("https://metrics-test.example/a", 200, 10)
	if val := testutil.ToFloat64(harvesterFetchBytesTotal.WithLabelValues("metrics-test.example")); val != 10 {
		t.Errorf("expected 10 bytes, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://www.nhsa.gov.cn", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
