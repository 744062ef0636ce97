package catalog

import (
	"encoding/json"
	"math"
)

// Link references another catalog object by id.
type Link struct {
	Sys struct {
		Type     string `json:"type,omitempty"`
		LinkType string `json:"linkType,omitempty"`
		ID       string `json:"id"`
	} `json:"sys"`
}

// Sys is the system metadata carried by entries and assets.
type Sys struct {
	ID               string `json:"id"`
	Type             string `json:"type,omitempty"`
	Version          int    `json:"version"`
	PublishedVersion int    `json:"publishedVersion,omitempty"`
	ContentType      *Link  `json:"contentType,omitempty"`
}

// ContentTypeID returns the entry's content type id, if any.
func (s Sys) ContentTypeID() string {
	if s.ContentType == nil {
		return ""
	}
	return s.ContentType.Sys.ID
}

// Fields maps a field name to its per-locale values.
type Fields map[string]map[string]any

// Entry is a versioned catalog entry.
type Entry struct {
	Sys    Sys    `json:"sys"`
	Fields Fields `json:"fields"`
}

// Value returns the raw value of a localized field.
func (e *Entry) Value(field, locale string) (any, bool) {
	if e == nil || e.Fields == nil {
		return nil, false
	}
	byLocale, ok := e.Fields[field]
	if !ok {
		return nil, false
	}
	v, ok := byLocale[locale]
	return v, ok
}

// Int reads a numeric field. JSON numbers decode as float64.
func (e *Entry) Int(field, locale string) (int, bool) {
	v, ok := e.Value(field, locale)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// Bool reads a boolean field.
func (e *Entry) Bool(field, locale string) (bool, bool) {
	v, ok := e.Value(field, locale)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// String reads a text field.
func (e *Entry) String(field, locale string) (string, bool) {
	v, ok := e.Value(field, locale)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set writes a localized field value.
func (e *Entry) Set(field, locale string, value any) {
	if e.Fields == nil {
		e.Fields = Fields{}
	}
	if e.Fields[field] == nil {
		e.Fields[field] = map[string]any{}
	}
	e.Fields[field][locale] = value
}
