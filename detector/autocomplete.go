package detector

import (
	"strings"

	"github.com/hazyhaar/formfill/element"
)

// autocompleteTypes maps WHATWG autofill field names to field types. The
// attribute is authoritative when present: the author declared the
// semantics, so no pattern scoring is needed.
var autocompleteTypes = map[string]element.FieldType{
	"given-name":       element.TypeFirstName,
	"family-name":      element.TypeLastName,
	"name":             element.TypeFullName,
	"email":            element.TypeEmail,
	"tel":              element.TypePhone,
	"tel-national":     element.TypePhone,
	"organization":     element.TypeOrganization,
	"street-address":   element.TypeStreetAddress,
	"address-line1":    element.TypeStreetAddress,
	"address-line2":    element.TypeAddressLine2,
	"address-level2":   element.TypeCity,
	"address-level1":   element.TypeState,
	"postal-code":      element.TypePostalCode,
	"country":          element.TypeCountry,
	"country-name":     element.TypeCountry,
	"cc-number":        element.TypeCardNumber,
	"cc-name":          element.TypeCardName,
	"cc-exp-month":     element.TypeCardExpMonth,
	"cc-exp-year":      element.TypeCardExpYear,
	"cc-csc":           element.TypeCardCVC,
	"username":         element.TypeUsername,
	"current-password": element.TypePassword,
	"new-password":     element.TypePassword,
}

// autocompleteType resolves an autocomplete attribute value to a field
// type. The attribute is a token list ("shipping address-line1",
// "section-blue billing tel"); the field name is the last recognised
// token. "off" and "on" carry no field semantics and resolve to nothing.
func autocompleteType(value string) (element.FieldType, bool) {
	tokens := strings.Fields(strings.ToLower(value))
	for i := len(tokens) - 1; i >= 0; i-- {
		if t, ok := autocompleteTypes[tokens[i]]; ok {
			return t, true
		}
	}
	return "", false
}
