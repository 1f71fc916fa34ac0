package humastar

import (
	"fmt"
	"strings"
)

// ActionDef is a reusable action template. Pattern uses a single %s verb
// for the resource ID and Title may too.
type ActionDef struct {
	Rel     string
	Pattern string // e.g. "/api/v1/layers/%s/show"
	Method  string
	Title   string
}

// ActionsFor expands defs for the resource id. name fills the Title verb.
func ActionsFor(id, name string, defs ...ActionDef) []Action {
	actions := make([]Action, len(defs))
	for i, d := range defs {
		actions[i] = Action{
			Rel:    d.Rel,
			Href:   fmt.Sprintf(d.Pattern, id),
			Method: d.Method,
			Title:  d.Title,
		}
		if strings.Contains(d.Title, "%s") {
			actions[i].Title = fmt.Sprintf(d.Title, name)
		}
	}
	return actions
}
