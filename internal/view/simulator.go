// Package view re-executes the freetext index map functions locally so every
// emitted index key can be traced back to the document field that produced it.
package view

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
)

// ErrUnknownView is returned for view names without a simulator.
var ErrUnknownView = errors.New("unknown freetext view")

// Variant is one of the supported freetext views.
type Variant int

const (
	// ContactsByFreetext simulates contacts_by_freetext.
	ContactsByFreetext Variant = iota + 1
	// ReportsByFreetext simulates reports_by_freetext.
	ReportsByFreetext
)

const (
	contactsViewName = "contacts_by_freetext"
	reportsViewName  = "reports_by_freetext"

	// minKeyLength is exclusive: keys must be longer than this.
	minKeyLength = 2

	// undefinedText is how the index renders an absent value inside a string.
	undefinedText = "undefined"
)

// Canonical contact types. The position is the type ordinal used in the
// contacts sort value.
var contactTypes = []string{"district_hospital", "health_center", "clinic", "person"}

var (
	contactsSkip = map[string]struct{}{"_id": {}, "_rev": {}, "type": {}, "refid": {}, "geolocation": {}}
	reportsSkip  = map[string]struct{}{"_id": {}, "_rev": {}, "type": {}, "refid": {}, "content": {}}

	dateSuffix = regexp.MustCompile(`_date$`)
	// The index runtime treats Unicode space separators as whitespace, RE2's \s does not.
	whitespace = regexp.MustCompile(`[\t\n\v\f\r \x{00a0}\x{1680}\x{2000}-\x{200a}\x{2028}\x{2029}\x{202f}\x{205f}\x{3000}\x{feff}]+`)
)

// EmittedEntry is one row the map function would write to the index.
type EmittedEntry struct {
	Key         []string `json:"key"`
	SortValue   any      `json:"value"`
	OriginField string   `json:"origin_field"`
}

// Parse maps a view name onto its Variant.
func Parse(name string) (Variant, error) {
	switch name {
	case contactsViewName:
		return ContactsByFreetext, nil
	case reportsViewName:
		return ReportsByFreetext, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownView, name)
	}
}

// Names lists the supported view names.
func Names() []string {
	return []string{contactsViewName, reportsViewName}
}

// String returns the view name.
func (v Variant) String() string {
	switch v {
	case ContactsByFreetext:
		return contactsViewName
	case ReportsByFreetext:
		return reportsViewName
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// Simulate returns the entries the view's map function emits for doc, in
// emission order. No two entries share a key.
func (v Variant) Simulate(doc *Object) []EmittedEntry {
	if doc == nil {
		return nil
	}
	switch v {
	case ContactsByFreetext:
		return simulateContacts(doc)
	case ReportsByFreetext:
		return simulateReports(doc)
	default:
		return nil
	}
}

// emitter accumulates the entries of one document run.
type emitter struct {
	skip    map[string]struct{}
	used    map[string]struct{}
	entries []EmittedEntry
}

func newEmitter(skip map[string]struct{}) *emitter {
	return &emitter{skip: skip, used: make(map[string]struct{})}
}

func (e *emitter) emitMaybe(key string, sortValue any, originField string) {
	if jsLength(key) <= minKeyLength {
		return
	}
	if _, seen := e.used[key]; seen {
		return
	}
	e.used[key] = struct{}{}
	e.entries = append(e.entries, EmittedEntry{
		Key:         []string{key},
		SortValue:   sortValue,
		OriginField: originField,
	})
}

func (e *emitter) emitField(key string, value any, sortValue any, originField string) {
	if key == "" || !truthy(value) {
		return
	}
	key = strings.ToLower(key)
	if _, skipped := e.skip[key]; skipped || dateSuffix.MatchString(key) {
		return
	}
	if originField == "" {
		originField = key
	}
	switch t := value.(type) {
	case string:
		lowered := strings.ToLower(t)
		for _, word := range whitespace.Split(lowered, -1) {
			e.emitMaybe(word, sortValue, originField)
		}
		e.emitMaybe(key+":"+lowered, sortValue, originField)
	case float64:
		e.emitMaybe(key+":"+formatNumber(t), sortValue, originField)
	}
}

func simulateContacts(doc *Object) []EmittedEntry {
	ordinal, ok := contactOrdinal(doc)
	if !ok {
		return nil
	}

	dead, _ := doc.Get("date_of_death")
	muted, _ := doc.Get("muted")
	sortValue := fmt.Sprintf("%t %t %s %s", truthy(dead), truthy(muted), ordinal, lowerName(doc))

	e := newEmitter(contactsSkip)
	for _, key := range doc.Keys() {
		value, _ := doc.Get(key)
		e.emitField(key, value, sortValue, key)
	}
	return e.entries
}

// contactOrdinal resolves the type ordinal used in the sort value. Contacts
// with an unrecognised contact_type keep the raw value as their ordinal.
func contactOrdinal(doc *Object) (string, bool) {
	docType, _ := doc.Get("type")
	if docType == "contact" {
		contactType, present := doc.Get("contact_type")
		if idx := indexOf(contactTypes, contactType); idx >= 0 {
			return strconv.Itoa(idx), true
		}
		if !present {
			return undefinedText, true
		}
		return stringify(contactType), true
	}
	if idx := indexOf(contactTypes, docType); idx >= 0 {
		return strconv.Itoa(idx), true
	}
	return "", false
}

func lowerName(doc *Object) string {
	name, _ := doc.Get("name")
	if !truthy(name) {
		if name == nil {
			return undefinedText
		}
		return stringify(name)
	}
	if s, ok := name.(string); ok {
		return strings.ToLower(s)
	}
	return stringify(name)
}

func simulateReports(doc *Object) []EmittedEntry {
	docType, _ := doc.Get("type")
	form, _ := doc.Get("form")
	if docType != "data_record" || !truthy(form) {
		return nil
	}

	reportedDate, _ := doc.Get("reported_date")
	e := newEmitter(reportsSkip)
	for _, key := range doc.Keys() {
		value, _ := doc.Get(key)
		e.emitField(key, value, reportedDate, key)
	}
	if fields, ok := getObject(doc, "fields"); ok {
		for _, key := range fields.Keys() {
			value, _ := fields.Get(key)
			e.emitField(key, value, reportedDate, "fields."+key)
		}
	}
	if contact, ok := getObject(doc, "contact"); ok {
		if id, ok := contact.Get("_id"); ok {
			if s, isString := id.(string); isString && s != "" {
				e.emitMaybe("contact:"+strings.ToLower(s), reportedDate, "contact._id")
			}
		}
	}
	return e.entries
}

func getObject(doc *Object, key string) (*Object, bool) {
	v, ok := doc.Get(key)
	if !ok {
		return nil, false
	}
	obj, ok := v.(*Object)
	return obj, ok && obj != nil
}

func indexOf(list []string, v any) int {
	s, ok := v.(string)
	if !ok {
		return -1
	}
	for i, item := range list {
		if item == s {
			return i
		}
	}
	return -1
}

// truthy follows the index runtime's notion of a truthy value.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	default:
		return true
	}
}

// stringify renders a scalar the way string concatenation in the index does.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatNumber(t)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			if item != nil {
				parts[i] = stringify(item)
			}
		}
		return strings.Join(parts, ",")
	default:
		return "[object Object]"
	}
}

// formatNumber mirrors Number.prototype.toString for finite values.
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		mantissa, exp, _ := strings.Cut(s, "e")
		sign := exp[:1]
		digits := strings.TrimLeft(exp[1:], "0")
		if digits == "" {
			digits = "0"
		}
		return mantissa + "e" + sign + digits
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// jsLength counts UTF-16 code units.
func jsLength(s string) int {
	return len(utf16.Encode([]rune(s)))
}
