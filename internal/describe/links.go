// Package describe produces human-readable descriptions of message
// attachments and embedded links. Everything here degrades: a failed
// lookup yields a placeholder or an empty description, never an error
// the pipeline would act on.
package describe

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultMaxLinks    = 3
	linkFetchTimeout   = 10 * time.Second
	maxPreviewBodySize = 512 * 1024
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// LinkPreviewer fetches pages referenced in message text and extracts
// their title and description metadata.
type LinkPreviewer struct {
	client   *http.Client
	maxLinks int
}

func NewLinkPreviewer(maxLinks int) *LinkPreviewer {
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinks
	}
	return &LinkPreviewer{
		client:   &http.Client{Timeout: linkFetchTimeout},
		maxLinks: maxLinks,
	}
}

// DescribeLinks returns one line per previewable link in text, or ""
// when there is nothing to describe. Unreachable or unparseable pages
// are skipped.
func (p *LinkPreviewer) DescribeLinks(ctx context.Context, text string) (string, error) {
	urls := urlPattern.FindAllString(text, -1)
	if len(urls) == 0 {
		return "", nil
	}
	if len(urls) > p.maxLinks {
		urls = urls[:p.maxLinks]
	}

	var lines []string
	for _, url := range urls {
		preview, err := p.preview(ctx, url)
		if err != nil {
			continue
		}
		if preview != "" {
			lines = append(lines, preview)
		}
	}
	return strings.Join(lines, "; "), nil
}

func (p *LinkPreviewer) preview(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(http.MaxBytesReader(nil, resp.Body, maxPreviewBodySize))
	if err != nil {
		return "", err
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && og != "" {
		title = strings.TrimSpace(og)
	}

	desc, ok := doc.Find(`meta[property="og:description"]`).Attr("content")
	if !ok || desc == "" {
		desc, _ = doc.Find(`meta[name="description"]`).Attr("content")
	}
	desc = strings.TrimSpace(desc)

	switch {
	case title == "" && desc == "":
		return "", nil
	case desc == "":
		return fmt.Sprintf("%s — %s", url, title), nil
	case title == "":
		return fmt.Sprintf("%s — %s", url, desc), nil
	default:
		return fmt.Sprintf("%s — %s: %s", url, title, desc), nil
	}
}
