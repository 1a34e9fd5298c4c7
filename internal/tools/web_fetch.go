package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"google.golang.org/genai"

	"gemdesk/internal/approval"
	"gemdesk/internal/security"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// maxFetchContent caps the text handed back to the model.
const maxFetchContent = 50000

// WebFetchTool fetches a URL and returns its readable text. Every call is
// confirmed as an info-kind request listing the URL. Private and loopback
// targets are refused unless the guard allows them.
type WebFetchTool struct {
	client  *http.Client
	guard   *security.URLGuard
	maxSize int64
}

// NewWebFetchTool creates a new web fetch tool. A nil guard blocks
// private networks.
func NewWebFetchTool(timeout time.Duration, maxSize int64, guard *security.URLGuard) *WebFetchTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 1024 * 1024
	}
	if guard == nil {
		guard = security.NewURLGuard(false)
	}
	return &WebFetchTool{
		client:  security.NewHTTPClient(timeout, guard),
		guard:   guard,
		maxSize: maxSize,
	}
}

func (t *WebFetchTool) Name() string {
	return "web_fetch"
}

func (t *WebFetchTool) Description() string {
	return "Fetches content from a URL and returns it as markdown-like text. Useful for reading documentation, articles, or any web content."
}

func (t *WebFetchTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"url": {
					Type:        genai.TypeString,
					Description: "The http or https URL to fetch",
				},
				"selector": {
					Type:        genai.TypeString,
					Description: "Optional tag, .class or #id selector to extract specific content",
				},
			},
			Required: []string{"url"},
		},
	}
}

func (t *WebFetchTool) Validate(args map[string]any) error {
	urlStr, ok := GetString(args, "url")
	if !ok || urlStr == "" {
		return NewValidationError("url", "is required")
	}

	if err := t.guard.CheckURL(urlStr); err != nil {
		return NewValidationError("url", err.Error())
	}
	return nil
}

// ShouldConfirmExecute always asks, showing the URL to be fetched.
func (t *WebFetchTool) ShouldConfirmExecute(_ context.Context, args map[string]any) (*approval.Details, error) {
	urlStr, _ := GetString(args, "url")
	return approval.Info(
		"Confirm Web Fetch",
		fmt.Sprintf("Fetch content from %s?", urlStr),
		urlStr,
	), nil
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	urlStr, _ := GetString(args, "url")
	selector, _ := GetString(args, "selector")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "gemdesk/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		if security.IsBlocked(err) {
			return Result{}, fmt.Errorf("refusing to fetch %s: %w", urlStr, err)
		}
		return Result{}, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxSize))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	var content string
	switch {
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		content, err = htmlToText(string(body), selector)
		if err != nil {
			return Result{}, fmt.Errorf("failed to parse HTML: %w", err)
		}
	default:
		content = string(body)
	}

	if len(content) > maxFetchContent {
		content = content[:maxFetchContent] + "\n\n... (content truncated)"
	}
	return TextResult(content), nil
}

var (
	skipTags = map[string]bool{
		"script": true, "style": true, "nav": true, "footer": true,
		"header": true, "aside": true, "noscript": true, "iframe": true,
	}
	blockTags = map[string]bool{
		"p": true, "div": true, "section": true, "article": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"li": true, "tr": true, "br": true, "hr": true,
		"blockquote": true, "pre": true, "table": true,
	}
	headingPrefix = map[string]string{
		"h1": "# ", "h2": "## ", "h3": "### ",
		"h4": "#### ", "h5": "##### ", "h6": "###### ",
	}
)

// htmlToText renders the body (or the first node matching selector) as
// markdown-flavoured plain text.
func htmlToText(htmlContent, selector string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}

	start := findNode(doc, func(n *html.Node) bool {
		return selector != "" && matchesSelector(n, selector)
	})
	if start == nil {
		start = findNode(doc, func(n *html.Node) bool { return n.Data == "body" })
	}
	if start == nil {
		start = doc
	}

	var sb strings.Builder
	renderNode(&sb, start)

	out := blankLinesRe.ReplaceAllString(sb.String(), "\n\n")
	return strings.TrimSpace(out), nil
}

func renderNode(sb *strings.Builder, n *html.Node) {
	var tag string
	if n.Type == html.ElementNode {
		tag = strings.ToLower(n.Data)
		if skipTags[tag] {
			return
		}
		if prefix, ok := headingPrefix[tag]; ok {
			sb.WriteString("\n" + prefix)
		}
		switch tag {
		case "li":
			sb.WriteString("\n- ")
		case "hr":
			sb.WriteString("\n---")
		case "pre":
			sb.WriteString("\n```\n")
		case "code":
			sb.WriteString("`")
		case "strong", "b":
			sb.WriteString("**")
		case "em", "i":
			sb.WriteString("*")
		case "p", "div", "section", "article", "blockquote":
			sb.WriteString("\n")
		}
	}

	if n.Type == html.TextNode {
		if strings.TrimSpace(n.Data) != "" {
			sb.WriteString(whitespaceRe.ReplaceAllString(n.Data, " "))
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(sb, c)
	}

	if tag == "" {
		return
	}
	switch tag {
	case "pre":
		sb.WriteString("\n```\n")
	case "code":
		sb.WriteString("`")
	case "strong", "b":
		sb.WriteString("**")
	case "em", "i":
		sb.WriteString("*")
	case "a":
		for _, attr := range n.Attr {
			if attr.Key == "href" && attr.Val != "" && !strings.HasPrefix(attr.Val, "#") && !strings.HasPrefix(attr.Val, "javascript:") {
				sb.WriteString(fmt.Sprintf(" (%s)", attr.Val))
				break
			}
		}
	}
	if blockTags[tag] {
		sb.WriteString("\n")
	}
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

// matchesSelector supports tag, .class and #id selectors.
func matchesSelector(n *html.Node, selector string) bool {
	selector = strings.TrimSpace(selector)

	switch {
	case strings.HasPrefix(selector, "."):
		for _, attr := range n.Attr {
			if attr.Key != "class" {
				continue
			}
			for _, c := range strings.Fields(attr.Val) {
				if c == selector[1:] {
					return true
				}
			}
		}
		return false
	case strings.HasPrefix(selector, "#"):
		for _, attr := range n.Attr {
			if attr.Key == "id" && attr.Val == selector[1:] {
				return true
			}
		}
		return false
	default:
		return strings.EqualFold(n.Data, selector)
	}
}
