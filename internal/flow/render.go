package flow

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Menu formatting constants
const (
	// MenuOptionFormat is the format string for menu option display
	MenuOptionFormat = "\n%s. %s"
)

// nodeText renders the prompt of a node that awaits input.
func (e *Engine) nodeText(node models.Node, sess *models.FlowSession) string {
	switch n := node.(type) {
	case *models.MenuNode:
		var sb strings.Builder
		sb.WriteString(e.render(n.Text, sess))
		for _, opt := range n.Options {
			sb.WriteString(fmt.Sprintf(MenuOptionFormat, opt.Key, e.render(opt.Label, sess)))
		}
		return sb.String()
	case *models.InputNode:
		return e.render(n.Text, sess)
	case *models.PromptNode:
		return e.render(n.Text, sess)
	case *models.TerminalNode:
		return e.render(n.Text, sess)
	}
	return ""
}

// templateCache holds parsed prompt templates keyed by their source text, including the
// ones that failed to parse.
var templateCache sync.Map

type cachedTemplate struct {
	tmpl *template.Template
	err  error
}

func parseTemplate(text string) (*template.Template, error) {
	if v, ok := templateCache.Load(text); ok {
		c := v.(cachedTemplate)
		return c.tmpl, c.err
	}
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(text)
	v, _ := templateCache.LoadOrStore(text, cachedTemplate{tmpl: tmpl, err: err})
	c := v.(cachedTemplate)
	return c.tmpl, c.err
}

// render executes text as a text/template over the session answers plus "phone" and
// "locale". On any template error the raw text is returned.
func (e *Engine) render(text string, sess *models.FlowSession) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	tmpl, err := parseTemplate(text)
	if err != nil {
		slog.Warn("Engine.render: template parse failed, using raw text", "flowID", sess.FlowID, "nodeID", sess.CurrentNodeID, "error", err)
		return text
	}
	data := make(map[string]string, len(sess.State)+2)
	for k, v := range sess.State {
		data[k] = v
	}
	data["phone"] = sess.Phone
	data["locale"] = sess.Locale

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		slog.Warn("Engine.render: template execution failed, using raw text", "flowID", sess.FlowID, "nodeID", sess.CurrentNodeID, "error", err)
		return text
	}
	return sb.String()
}
