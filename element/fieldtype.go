package element

// FieldType is the semantic kind of a form field. Closed set: every kind
// listed here has a row in the detector's autocomplete and pattern tables
// and a key in the profile value maps.
type FieldType string

const (
	TypeFirstName     FieldType = "firstName"
	TypeLastName      FieldType = "lastName"
	TypeFullName      FieldType = "fullName"
	TypeEmail         FieldType = "email"
	TypePhone         FieldType = "phone"
	TypeOrganization  FieldType = "organization"
	TypeStreetAddress FieldType = "streetAddress"
	TypeAddressLine2  FieldType = "addressLine2"
	TypeCity          FieldType = "city"
	TypeState         FieldType = "state"
	TypePostalCode    FieldType = "postalCode"
	TypeCountry       FieldType = "country"
	TypeCardNumber    FieldType = "cardNumber"
	TypeCardName      FieldType = "cardName"
	TypeCardExpMonth  FieldType = "cardExpMonth"
	TypeCardExpYear   FieldType = "cardExpYear"
	TypeCardCVC       FieldType = "cardCVC"
	TypeUsername      FieldType = "username"
	TypePassword      FieldType = "password"

	// TypeNone marks an element that is explicitly not a fill target.
	TypeNone FieldType = "none"
)

// FieldTypes lists every classifiable kind, in stable order. TypeNone is
// not included: it is a result, not a kind.
var FieldTypes = []FieldType{
	TypeFirstName, TypeLastName, TypeFullName, TypeEmail, TypePhone,
	TypeOrganization, TypeStreetAddress, TypeAddressLine2, TypeCity,
	TypeState, TypePostalCode, TypeCountry, TypeCardNumber, TypeCardName,
	TypeCardExpMonth, TypeCardExpYear, TypeCardCVC, TypeUsername,
	TypePassword,
}

// Valid reports whether t is a known field type (including TypeNone).
func (t FieldType) Valid() bool {
	if t == TypeNone {
		return true
	}
	for _, k := range FieldTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Method identifies which signal source produced a classification.
// Evaluation order and precedence are fixed; this is a tag, not an
// extension point.
type Method string

const (
	MethodSiteRule     Method = "site-rule"
	MethodAutocomplete Method = "autocomplete"
	MethodPattern      Method = "pattern"
	MethodLearned      Method = "learned"
	MethodNone         Method = "none"
)

// Confidence is the coarse bucket derived from a numeric score.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceNone    Confidence = "none"
	ConfidenceLearned Confidence = "learned"
)

// Bucket thresholds. Fixed: a DetectedField's bucket must always be
// derivable from its score through this table.
const (
	ScoreHigh   = 0.8
	ScoreMedium = 0.5
	ScoreLow    = 0.2
)

// BucketFor maps a numeric score to its confidence bucket.
func BucketFor(score float64) Confidence {
	switch {
	case score >= ScoreHigh:
		return ConfidenceHigh
	case score >= ScoreMedium:
		return ConfidenceMedium
	case score >= ScoreLow:
		return ConfidenceLow
	default:
		return ConfidenceNone
	}
}

// DetectionContext is the textual surrounding of an element captured at
// classification time. Immutable once captured; used for scoring and for
// learning signatures, never mutated afterwards.
type DetectionContext struct {
	Label       string            `json:"label,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
	Ambient     string            `json:"ambient,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

// DetectedField is one classification result. It references the element
// only through its fingerprint: the entry stays valid in a cache after the
// host removes or re-creates the node.
type DetectedField struct {
	Fingerprint string            `json:"fingerprint"`
	Type        FieldType         `json:"type"`
	Score       float64           `json:"score"`
	Confidence  Confidence        `json:"confidence"`
	Method      Method            `json:"method"`
	Context     *DetectionContext `json:"context,omitempty"`
}
