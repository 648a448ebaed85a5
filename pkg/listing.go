package mate

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// listingEntry is one row of a directory listing; see listing.templ.
type listingEntry struct {
	name string
	href string
	dir  bool
	size int64
}

func (e listingEntry) label() string {
	if e.dir {
		return e.name + "/"
	}
	return e.name
}

func (e listingEntry) sizeLabel() string {
	return strconv.FormatInt(e.size, 10) + " bytes"
}

// renderListing lists dir as HTML. Links are built from urlPath, the path the
// client asked for, so they resolve whether or not it ends in a slash.
func renderListing(ctx context.Context, dir, urlPath string) (string, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	base := urlPath
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	entries := make([]listingEntry, 0, len(items))
	for _, item := range items {
		entry := listingEntry{name: item.Name(), dir: item.IsDir()}
		entry.href = base + url.PathEscape(item.Name())
		if entry.dir {
			entry.href += "/"
		} else if info, err := item.Info(); err == nil {
			entry.size = info.Size()
		}
		entries = append(entries, entry)
	}

	var b strings.Builder
	if err := listingPage(base, entries).Render(ctx, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}
