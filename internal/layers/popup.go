package layers

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// PopupFunc builds the popup body for a clicked feature.
type PopupFunc func(props geojson.Properties) string

// PropertyPopup lists every property as "key: value", keys sorted.
func PropertyPopup(props geojson.Properties) string {
	if len(props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "<b>%s</b>: %s<br/>", html.EscapeString(k), html.EscapeString(fmt.Sprint(props[k])))
	}
	return b.String()
}
