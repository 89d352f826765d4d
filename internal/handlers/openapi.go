package handlers

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
	"github.com/eval-hub/bench-runner/internal/messages"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIDocument []byte

var openAPIJSON = sync.OnceValues(func() ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(openAPIDocument, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
})

// HandleOpenAPI handles GET /openapi.yaml. Clients asking for JSON get the
// same document converted.
func (h *Handlers) HandleOpenAPI(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	if strings.Contains(r.Header("Accept"), "application/json") {
		doc, err := openAPIJSON()
		if err != nil {
			w.ErrorWithMessageCode(ctx.RequestID, messages.InternalServerError, "Error", err.Error())
			return
		}
		w.SetHeader("Content-Type", "application/json")
		w.SetStatusCode(http.StatusOK)
		_, _ = w.Write(doc)
		return
	}
	w.SetHeader("Content-Type", "application/yaml")
	w.SetStatusCode(http.StatusOK)
	_, _ = w.Write(openAPIDocument)
}

const docsPage = `<!DOCTYPE html>
<html>
<head>
  <title>Bench Runner API Documentation</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
  <style>
    body {
      margin:0;
      background: #fafafa;
    }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: "/openapi.yaml",
        dom_id: '#swagger-ui',
        deepLinking: true,
        presets: [SwaggerUIBundle.presets.apis],
      });
    };
  </script>
</body>
</html>`

// HandleDocs handles GET /docs
func (h *Handlers) HandleDocs(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	w.SetHeader("Content-Type", "text/html; charset=utf-8")
	w.SetStatusCode(http.StatusOK)
	_, _ = w.Write([]byte(docsPage))
}
