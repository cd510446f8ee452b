package fetch

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// parseHTML extracts the title, visible text and absolute links of a page.
func parseHTML(base *url.URL, body []byte) *Page {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return &Page{Text: string(body)}
	}

	var (
		page  Page
		text  strings.Builder
		seen  = map[string]bool{}
		visit func(n *html.Node)
	)

	visit = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			case atom.Title:
				if n.FirstChild != nil && page.Title == "" {
					page.Title = strings.TrimSpace(n.FirstChild.Data)
				}

				return
			case atom.A:
				if link, ok := resolve(base, attr(n, "href")); ok && !seen[link] {
					seen[link] = true
					page.Links = append(page.Links, link)
				}
			}
		case html.TextNode:
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}

				text.WriteString(s)
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}

	visit(doc)

	page.Text = text.String()

	return &page
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}

	return ""
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}

	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	u.Fragment = ""

	return u.String(), true
}
