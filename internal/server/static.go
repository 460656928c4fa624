package server

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

func isAPIPath(p string) bool {
	return p == "/api" || strings.HasPrefix(p, "/api/")
}

func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".html":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	default:
		return "application/octet-stream"
	}
}

// serveStatic answers GET requests from the static directory. "/" maps to
// index.html; paths that escape the directory, directories and missing
// files get a plain-text 404.
func (r *Router) serveStatic(c *gin.Context) {
	rel := path.Clean("/" + c.Request.URL.Path)
	if rel == "/" {
		rel = "/index.html"
	}
	if r.staticDir == "" {
		notFound(c)
		return
	}
	root, err := filepath.Abs(r.staticDir)
	if err != nil {
		notFound(c)
		return
	}
	full := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if !isWithin(root, full) {
		notFound(c)
		return
	}
	fi, err := os.Stat(full)
	if err != nil || fi.IsDir() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.log.Warn("stat static file", "path", full, "error", err)
		}
		notFound(c)
		return
	}
	b, err := os.ReadFile(full)
	if err != nil {
		notFound(c)
		return
	}
	c.Data(http.StatusOK, mimeFromExt(filepath.Ext(full)), b)
}

func notFound(c *gin.Context) {
	c.Data(http.StatusNotFound, "text/plain", []byte("404 Not Found"))
}
