package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Landing serves the usage page shown to browsers hitting the root path.
func Landing(c echo.Context) error {
	return c.HTML(http.StatusOK, landingHTML)
}

const landingHTML = `<!DOCTYPE html>
<html>
<head>
<title>Gemini API Proxy</title>
<style>
body{font-family:Arial,sans-serif;max-width:800px;margin:0 auto;padding:20px}
code{background:#f4f4f4;padding:10px;display:block;margin:10px 0;overflow-x:auto}
footer{margin-top:40px;color:#888;font-size:14px}
</style>
</head>
<body>
<h1>Gemini API Proxy</h1>
<p>This service relays requests to the Google Gemini API. Point your client at
this host instead of <code style="display:inline;padding:2px">generativelanguage.googleapis.com</code>
and keep everything else the same, including your own API key.</p>
<h2>Usage</h2>
<code>curl "https://&lt;this-host&gt;/v1beta/models/gemini-pro:generateContent?key=YOUR_API_KEY" \
  -H "Content-Type: application/json" \
  -d '{"contents":[{"parts":[{"text":"Hello"}]}]}'</code>
<p>Streaming endpoints work as well; responses are relayed as they arrive:</p>
<code>curl "https://&lt;this-host&gt;/v1beta/models/gemini-pro:streamGenerateContent?alt=sse&amp;key=YOUR_API_KEY" \
  -H "Content-Type: application/json" \
  -d '{"contents":[{"parts":[{"text":"Hello"}]}]}'</code>
<footer>All paths, query parameters, and request bodies pass through unmodified.
No keys are stored by this service.</footer>
</body>
</html>`
