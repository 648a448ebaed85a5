package mate

import (
	"mime"
	"path/filepath"
	"strings"
)

const fallbackMimeType = "text/plain"

var defaultMimeTypes = map[string]string{
	"7z":    "application/x-7z-compressed",
	"atom":  "application/atom+xml",
	"bin":   "application/octet-stream",
	"bmp":   "image/x-ms-bmp",
	"css":   "text/css",
	"csv":   "text/csv",
	"doc":   "application/msword",
	"gif":   "image/gif",
	"gz":    "application/gzip",
	"htm":   "text/html",
	"html":  "text/html",
	"ico":   "image/x-icon",
	"jar":   "application/java-archive",
	"jpeg":  "image/jpeg",
	"jpg":   "image/jpeg",
	"js":    "text/javascript",
	"json":  "application/json",
	"map":   "application/json",
	"md":    "text/markdown",
	"mjs":   "text/javascript",
	"mov":   "video/quicktime",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"mpeg":  "video/mpeg",
	"otf":   "font/otf",
	"pdf":   "application/pdf",
	"png":   "image/png",
	"rss":   "application/rss+xml",
	"svg":   "image/svg+xml",
	"tar":   "application/x-tar",
	"ttf":   "font/ttf",
	"txt":   "text/plain",
	"wasm":  "application/wasm",
	"webm":  "video/webm",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xml":   "text/xml",
	"zip":   "application/zip",
}

// mimeTable resolves content types by file extension. overrides win over
// the built-in table, which wins over the platform's mime database.
type mimeTable struct {
	overrides map[string]string
}

func newMimeTable(overrides map[string]string) mimeTable {
	normalized := make(map[string]string, len(overrides))
	for ext, mimeType := range overrides {
		normalized[strings.ToLower(strings.TrimPrefix(ext, "."))] = mimeType
	}
	return mimeTable{overrides: normalized}
}

func (t mimeTable) lookup(file string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file), "."))
	if ext == "" {
		return fallbackMimeType
	}
	if mimeType, ok := t.overrides[ext]; ok {
		return mimeType
	}
	if mimeType, ok := defaultMimeTypes[ext]; ok {
		return mimeType
	}
	if mimeType := mime.TypeByExtension("." + ext); mimeType != "" {
		return mimeType
	}
	return fallbackMimeType
}
