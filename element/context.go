package element

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// stripPolicy removes every tag; hosts sometimes forward label or ambient
// text straight from innerHTML.
var stripPolicy = bluemonday.StrictPolicy()

// Context captures the immutable textual surrounding of the snapshot.
// Label and ambient text are sanitised to plain text; relevant attributes
// are copied so later attribute churn on the live node cannot leak in.
func (s *Snapshot) Context() *DetectionContext {
	dc := &DetectionContext{
		Label:       cleanText(s.Label),
		Placeholder: strings.TrimSpace(s.Placeholder),
		Ambient:     cleanText(s.Ambient),
	}
	if len(s.Attrs) > 0 {
		dc.Attrs = make(map[string]string, len(s.Attrs))
		for k, v := range s.Attrs {
			dc.Attrs[k] = v
		}
	}
	return dc
}

func cleanText(v string) string {
	v = stripPolicy.Sanitize(v)
	return strings.Join(strings.Fields(v), " ")
}
