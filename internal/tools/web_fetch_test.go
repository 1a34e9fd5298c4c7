package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemdesk/internal/approval"
	"gemdesk/internal/security"
)

const samplePage = `<html><head><title>t</title><script>var x=1;</script></head>
<body><nav>menu</nav>
<article class="post"><h1>Title</h1><p>Hello <b>bold</b> <a href="/docs">docs</a></p>
<ul><li>one</li><li>two</li></ul></article>
<div id="other"><p>elsewhere</p></div>
</body></html>`

// localFetchTool may reach the httptest servers on loopback.
func localFetchTool(maxSize int64) *WebFetchTool {
	return NewWebFetchTool(time.Second, maxSize, security.NewURLGuard(true))
}

func TestWebFetchValidate(t *testing.T) {
	tool := NewWebFetchTool(time.Second, 0, nil)

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"missing", map[string]any{}, true},
		{"bad scheme", map[string]any{"url": "ftp://example.com"}, true},
		{"no host", map[string]any{"url": "http://"}, true},
		{"loopback", map[string]any{"url": "http://127.0.0.1:8080/"}, true},
		{"localhost", map[string]any{"url": "http://localhost/admin"}, true},
		{"metadata", map[string]any{"url": "http://169.254.169.254/latest/meta-data"}, true},
		{"private v6", map[string]any{"url": "http://[fd00::1]/"}, true},
		{"ok", map[string]any{"url": "https://example.com/a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.Validate(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebFetchConfirmationListsURL(t *testing.T) {
	tool := NewWebFetchTool(time.Second, 0, nil)
	d, err := tool.ShouldConfirmExecute(context.Background(), map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, approval.KindInfo, d.Kind)
	assert.Equal(t, []string{"https://example.com"}, d.URLs)
}

func TestWebFetchConvertsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	tool := localFetchTool(0)
	res, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)

	out := res.Output()
	assert.Contains(t, out, "# Title")
	assert.Contains(t, out, "Hello **bold**")
	assert.Contains(t, out, "docs (/docs)")
	assert.Contains(t, out, "- one")
	assert.NotContains(t, out, "var x")
	assert.NotContains(t, out, "menu")

	res, err = tool.Execute(context.Background(), map[string]any{"url": srv.URL, "selector": "#other"})
	require.NoError(t, err)
	assert.Equal(t, "elsewhere", res.Output())
}

func TestWebFetchPlainTextAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	tool := localFetchTool(4)
	res, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL + "/text"})
	require.NoError(t, err)
	assert.Equal(t, "0123", res.Output())

	_, err = tool.Execute(context.Background(), map[string]any{"url": srv.URL + "/missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestWebFetchRefusesPrivateTargets(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("internal-secret"))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(time.Second, 0, nil)
	args := map[string]any{"url": srv.URL}

	err := tool.Validate(args)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked address")

	_, err = tool.Execute(context.Background(), args)
	require.Error(t, err)
	assert.True(t, security.IsBlocked(err))
	assert.Zero(t, hits)
}

func TestWebFetchThroughExecutorNeverReachesPrivateHost(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	e := newExecutor(t, &scriptedConfirmer{outcome: approval.ProceedOnce}, NewWebFetchTool(time.Second, 0, nil))

	resp := e.Execute(context.Background(), Call{ID: "c1", Name: "web_fetch", Args: map[string]any{"url": srv.URL}})
	assert.Contains(t, resp.Error, "validation error")
	assert.Zero(t, hits)
}
