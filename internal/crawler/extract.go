package crawler

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// Page is the structured result of parsing one HTML document.
type Page struct {
	Title      string
	Paragraphs []string
	Links      []*url.URL
}

// skippedElements never contribute visible prose.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"form":     true,
	"template": true,
	"svg":      true,
}

// blockElements end the paragraph being accumulated.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "td": true, "th": true, "blockquote": true, "pre": true,
	"br": true, "tr": true, "table": true, "ul": true, "ol": true,
}

// ExtractPage parses HTML into visible paragraphs and absolute links.
// Relative hrefs resolve against base.
func ExtractPage(body []byte, base *url.URL) (*Page, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "crawler: parse html")
	}

	page := &Page{}
	var buf strings.Builder

	flush := func() {
		text := collapseSpace(buf.String())
		buf.Reset()
		if text != "" {
			page.Paragraphs = append(page.Paragraphs, text)
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skippedElements[n.Data] {
				return
			}
			switch n.Data {
			case "title":
				if page.Title == "" && n.FirstChild != nil {
					page.Title = collapseSpace(n.FirstChild.Data)
				}
				return
			case "a":
				for _, attr := range n.Attr {
					if attr.Key != "href" {
						continue
					}
					ref, err := url.Parse(strings.TrimSpace(attr.Val))
					if err != nil {
						continue
					}
					abs := base.ResolveReference(ref)
					if abs.Scheme == "http" || abs.Scheme == "https" {
						page.Links = append(page.Links, abs)
					}
				}
			}
			if blockElements[n.Data] {
				flush()
			}
		case html.TextNode:
			buf.WriteString(n.Data)
			buf.WriteByte(' ')
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			flush()
		}
	}
	walk(root)
	flush()

	return page, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
