package handlers

import (
	"fmt"
	"net/http"
)

// DocsHandler serves the OpenAPI documentation UI using Stoplight Elements.
// The page follows the system color scheme.
type DocsHandler struct {
	title    string
	specPath string
}

// NewDocsHandler creates a documentation handler pointing at the given
// OpenAPI spec path.
func NewDocsHandler(title, specPath string) *DocsHandler {
	return &DocsHandler{title: title, specPath: specPath}
}

// ServeHTTP serves the documentation page.
func (h *DocsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	html := fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="referrer" content="same-origin" />
    <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
    <title>%s</title>
    <link href="https://unpkg.com/@stoplight/elements@8/styles.min.css" rel="stylesheet" />
    <script src="https://unpkg.com/@stoplight/elements@8/web-components.min.js" crossorigin="anonymous"></script>
    <style>
      html[data-theme="dark"] {
        color-scheme: dark;
      }
      html[data-theme="dark"] body {
        background-color: #16161d;
      }
      html[data-theme="dark"] .sl-elements {
        --color-canvas-100: #16161d;
        --color-canvas-200: #1d1d26;
        --color-canvas: #16161d;
        --color-text: #e4e4e7;
        --color-text-heading: #fafafa;
        --color-border: #3f3f46;
      }
      html[data-theme="light"] {
        color-scheme: light;
      }
    </style>
    <script>
      const prefersDark = window.matchMedia('(prefers-color-scheme: dark)');
      const apply = dark => document.documentElement.setAttribute('data-theme', dark ? 'dark' : 'light');
      apply(prefersDark.matches);
      prefersDark.addEventListener('change', e => apply(e.matches));
    </script>
  </head>
  <body style="height: 100vh; margin: 0;">
    <elements-api
      apiDescriptionUrl="%s"
      router="hash"
      layout="sidebar"
      tryItCredentialsPolicy="same-origin"
    />
  </body>
</html>`, h.title, h.specPath)

	w.Write([]byte(html))
}
