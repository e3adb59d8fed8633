package model

import (
	"encoding/json"
	"strings"
)

// Object is a loosely typed JSON object. Every accessor returns a zero value
// instead of failing when a key is absent or holds an unexpected type.
type Object map[string]any

func (o Object) Obj(key string) Object {
	if o == nil {
		return nil
	}
	m, _ := o[key].(map[string]any)
	return Object(m)
}

func (o Object) List(key string) []Object {
	if o == nil {
		return nil
	}
	raw, ok := o[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Object, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, Object(m))
		}
	}
	return out
}

// Str returns the trimmed string value of key and whether it was non-empty.
func (o Object) Str(key string) (string, bool) {
	if o == nil {
		return "", false
	}
	s, ok := o[key].(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func (o Object) StrOr(key, def string) string {
	if s, ok := o.Str(key); ok {
		return s
	}
	return def
}

func (o Object) Float(key string) (float64, bool) {
	if o == nil {
		return 0, false
	}
	switch v := o[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Document is one raw CVE JSON 5.x record.
type Document struct {
	Path string
	root Object
}

func ParseDocument(path string, b []byte) (*Document, error) {
	var root map[string]any
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	return &Document{Path: path, root: Object(root)}, nil
}

func NewDocument(root map[string]any) *Document {
	return &Document{root: Object(root)}
}

func (d *Document) meta() Object { return d.root.Obj("cveMetadata") }

func (d *Document) CVEID() (string, bool) { return d.meta().Str("cveId") }

func (d *Document) DatePublished() (string, bool) { return d.meta().Str("datePublished") }

func (d *Document) DateUpdated() string { return d.meta().StrOr("dateUpdated", "") }

func (d *Document) State() string { return d.meta().StrOr("state", "") }

func (d *Document) AssignerShortName() (string, bool) { return d.meta().Str("assignerShortName") }

func (d *Document) AssignerOrgID() (string, bool) { return d.meta().Str("assignerOrgId") }

// CNA is the primary submitter container.
func (d *Document) CNA() Object { return d.root.Obj("containers").Obj("cna") }

// ADP returns the enrichment containers; a non-list value yields none.
func (d *Document) ADP() []Object { return d.root.Obj("containers").List("adp") }

// WeaknessDescriptions returns every problem type description of a container.
func WeaknessDescriptions(container Object) []Object {
	var out []Object
	for _, pt := range container.List("problemTypes") {
		out = append(out, pt.List("descriptions")...)
	}
	return out
}

func Affected(container Object) []Object { return container.List("affected") }

func References(container Object) []Object { return container.List("references") }

func Metrics(container Object) []Object { return container.List("metrics") }
