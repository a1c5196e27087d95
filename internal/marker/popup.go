package marker

import (
	"fmt"
	"html"
	"slices"
	"strings"

	"github.com/lifemapper/mapfront/internal/core/model"
)

// FormatPopup renders a locality as popup HTML. Fields whose path has a
// "taxon" segment show the bare value in bold; others show the header.
// Empty values are skipped. hideRedundant drops the coordinate columns.
func FormatPopup(l model.LocalityData, index int, hideRedundant bool) string {
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	slices.Sort(names)

	lines := make([]string, 0, len(names)+1)
	for _, name := range names {
		if hideRedundant && model.IsMappingField(name) {
			continue
		}
		f := l[name]
		if f.Value.IsEmpty() {
			continue
		}
		v := html.EscapeString(f.Value.Text())
		if slices.Contains(strings.Split(name, "."), "taxon") {
			lines = append(lines, "<b>"+v+"</b>")
			continue
		}
		lines = append(lines, fmt.Sprintf("<b>%s</b>: %s", html.EscapeString(f.HeaderName), v))
	}
	lines = append(lines, fmt.Sprintf(`<button type="button" class="view-record" data-index="%d">View Record</button>`, index))
	return strings.Join(lines, "<br>")
}
