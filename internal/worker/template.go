package worker

import (
	"fmt"
	"regexp"
)

// MaxRenderedLength bounds a rendered message so a pathological
// template cannot blow past external message size limits.
const MaxRenderedLength = 4096

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-z0-9_]+)\s*\}\}`)

// RenderTemplate substitutes {{variable}} placeholders from the job's
// payload snapshot. Variables are restricted to the snapshot's keys;
// anything absent renders empty rather than leaking template syntax to
// the recipient.
func RenderTemplate(tpl string, vars map[string]string) (string, error) {
	rendered := templateVarPattern.ReplaceAllStringFunc(tpl, func(match string) string {
		name := templateVarPattern.FindStringSubmatch(match)[1]
		return vars[name]
	})
	if len(rendered) > MaxRenderedLength {
		return "", fmt.Errorf("rendered message is %d bytes, max %d", len(rendered), MaxRenderedLength)
	}
	return rendered, nil
}
