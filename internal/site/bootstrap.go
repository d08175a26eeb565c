package site

import (
	"fmt"
	"strings"
	"text/template"

	"site-gateway-go/internal/model"
)

// bootstrapTmpl loads the assistant widget through the proxy routes: it reads
// the Vite manifest from the avatar route and appends the entry CSS and module.
var bootstrapTmpl = template.Must(template.New("bootstrap").Parse(`
<script type="text/javascript">
(function() {
  window.w = "{{js .Version}}";
  window.__APP_BASE__ = "{{js .AppBase}}";
  window.__API_BASE__ = "{{js .APIBase}}";

  var params = new URLSearchParams(window.location.search);
  if (localStorage.getItem("noAiAssistant") === "true") {
    return;
  }
  if (params.get("noAiAssistant") === "true") {
    localStorage.setItem("noAiAssistant", "true");
    return;
  }

  var bust = function() { return "?nocache=true&v=" + Date.now(); };
  fetch(window.__APP_BASE__ + ".vite/manifest.json" + bust())
    .then(function(res) {
      if (!res.ok) throw new Error("assistant manifest: status " + res.status);
      return res.json();
    })
    .then(function(manifest) {
      var entry = manifest["index.html"];
      if (!entry) return;
      if (entry.css && entry.css.length > 0) {
        var link = document.createElement("link");
        link.rel = "stylesheet";
        link.href = window.__APP_BASE__ + entry.css[0] + bust();
        document.head.appendChild(link);
      }
      if (entry.file) {
        var script = document.createElement("script");
        script.type = "module";
        script.src = window.__APP_BASE__ + entry.file + bust();
        script.onerror = function(e) { console.error("[assistant] script load failed", e); };
        document.body.appendChild(script);
      }
    })
    .catch(function(err) { console.error("[assistant]", err); });
})();
</script>
`))

type bootstrapData struct {
	Version string
	AppBase string
	APIBase string
}

// BootstrapScript renders the widget bootstrap for the given widget version.
// The bases are the proxy route prefixes, so the widget never talks to the
// CDN or API hosts directly.
func BootstrapScript(version string) (string, error) {
	var b strings.Builder
	err := bootstrapTmpl.Execute(&b, bootstrapData{
		Version: version,
		AppBase: model.AvatarPrefix,
		APIBase: model.APIPrefix,
	})
	if err != nil {
		return "", fmt.Errorf("render bootstrap script: %w", err)
	}
	return b.String(), nil
}
