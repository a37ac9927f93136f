// Package element defines the structured types exchanged between a host
// observing a page and the formfill core. These are the public API contract:
// the host serialises candidate form controls into Snapshots, and the
// detector returns DetectedFields.
//
// A Snapshot never carries a live DOM handle. The host owns the node; the
// core works from the serialised attributes and the derived fingerprint.
package element

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Snapshot is a serialised form control plus the page context needed to
// classify it. Immutable once built.
type Snapshot struct {
	// Hostname of the page the element lives on (no scheme, no port).
	Hostname string `json:"hostname"`
	// PageSession identifies one page visit. Step state and fill planning
	// are scoped to it; a navigation starts a new session.
	PageSession string `json:"page_session,omitempty"`

	Tag          string `json:"tag"`
	Type         string `json:"type,omitempty"` // input type attribute, lowercased
	Name         string `json:"name,omitempty"`
	ID           string `json:"id,omitempty"`
	Placeholder  string `json:"placeholder,omitempty"`
	Autocomplete string `json:"autocomplete,omitempty"`
	// Label is the text of the associated <label>, resolved by the host
	// (for= association or ancestor label).
	Label string `json:"label,omitempty"`
	// Ambient is nearby visible text the host captured around the control.
	Ambient string `json:"ambient,omitempty"`
	// FormIndex is the element's position among the form's controls.
	FormIndex int `json:"form_index"`
	// Attrs carries any further attributes the host chose to forward.
	Attrs map[string]string `json:"attrs,omitempty"`
}

// ParseSnapshot builds a Snapshot from a serialised HTML fragment containing
// a single form control (input, select, textarea). Hostname and page context
// are supplied by the caller since they are not part of the markup.
//
// The fragment is what a host emits for an inserted subtree; only the first
// form control found is used.
func ParseSnapshot(fragment, hostname string) (*Snapshot, error) {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("element: parse fragment: %w", err)
	}

	var ctl *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if ctl != nil {
			return
		}
		if n.Type == html.ElementNode && isFormControl(n.Data) {
			ctl = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	if ctl == nil {
		return nil, fmt.Errorf("element: no form control in fragment")
	}

	snap := &Snapshot{
		Hostname: hostname,
		Tag:      strings.ToLower(ctl.Data),
	}
	for _, a := range ctl.Attr {
		key := strings.ToLower(a.Key)
		switch key {
		case "type":
			snap.Type = strings.ToLower(strings.TrimSpace(a.Val))
		case "name":
			snap.Name = a.Val
		case "id":
			snap.ID = a.Val
		case "placeholder":
			snap.Placeholder = a.Val
		case "autocomplete":
			snap.Autocomplete = strings.ToLower(strings.TrimSpace(a.Val))
		default:
			if snap.Attrs == nil {
				snap.Attrs = make(map[string]string)
			}
			snap.Attrs[key] = a.Val
		}
	}
	return snap, nil
}

func isFormControl(tag string) bool {
	switch strings.ToLower(tag) {
	case "input", "select", "textarea":
		return true
	}
	return false
}

// Attr returns a forwarded attribute value, or "" when absent.
func (s *Snapshot) Attr(name string) string {
	if s.Attrs == nil {
		return ""
	}
	return s.Attrs[strings.ToLower(name)]
}
