package steps

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

// SiteReport summarizes a verified documentation tree.
type SiteReport struct {
	Pages         int
	InternalLinks int
}

// VerifySite walks a generated documentation tree and checks that the HTML
// output is structurally sound: at least one page, every page parses, and
// no page is entirely empty. Pages are checked concurrently.
func VerifySite(ctx context.Context, dir string) (*SiteReport, error) {
	var pages []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".html") {
			pages = append(pages, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk generated site: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no HTML pages in %s", dir)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var mu sync.Mutex
	report := &SiteReport{Pages: len(pages)}

	for _, page := range pages {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			links, err := checkPage(page)
			if err != nil {
				return fmt.Errorf("%s: %w", page, err)
			}
			mu.Lock()
			report.InternalLinks += links
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

// checkPage parses one HTML file and returns its internal link count.
// A page with neither a title nor any body text is considered broken output.
func checkPage(path string) (int, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	doc, err := html.Parse(f)
	if err != nil {
		return 0, fmt.Errorf("parse HTML: %w", err)
	}

	var (
		title    string
		bodyText int
		links    int
	)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "title":
				if n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "a":
				for _, attr := range n.Attr {
					if attr.Key == "href" && attr.Val != "" &&
						!strings.HasPrefix(attr.Val, "http://") && !strings.HasPrefix(attr.Val, "https://") {
						links++
					}
				}
			}
		case html.TextNode:
			bodyText += len(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if title == "" && bodyText == 0 {
		return 0, fmt.Errorf("page has no title and no content")
	}
	return links, nil
}
