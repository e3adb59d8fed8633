package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentAccessors(t *testing.T) {
	doc, err := ParseDocument("CVE-2024-0001.json", []byte(`{
		"cveMetadata": {"cveId": " CVE-2024-0001 ", "assignerShortName": "", "assignerOrgId": "org-1", "datePublished": "2024-01-01T00:00:00Z"},
		"containers": {
			"cna": {"problemTypes": [{"descriptions": [{"type": "CWE", "cweId": "CWE-79"}]}, "junk"]},
			"adp": {"not": "a list"}
		}
	}`))
	require.NoError(t, err)

	id, ok := doc.CVEID()
	assert.True(t, ok)
	assert.Equal(t, "CVE-2024-0001", id)

	_, ok = doc.AssignerShortName()
	assert.False(t, ok)
	org, ok := doc.AssignerOrgID()
	assert.True(t, ok)
	assert.Equal(t, "org-1", org)

	assert.Len(t, WeaknessDescriptions(doc.CNA()), 1)
	assert.Empty(t, doc.ADP())
	assert.Empty(t, doc.State())
}

func TestObjectWrongTypes(t *testing.T) {
	o := Object{"n": "not a number", "s": 12.0, "l": "x"}
	_, ok := o.Float("n")
	assert.False(t, ok)
	_, ok = o.Str("s")
	assert.False(t, ok)
	assert.Nil(t, o.List("l"))
	assert.Nil(t, o.Obj("missing"))

	var nilObj Object
	assert.Nil(t, nilObj.Obj("x").List("y"))
}

func TestParseDocumentMalformed(t *testing.T) {
	_, err := ParseDocument("bad.json", []byte(`{"cveMetadata": `))
	require.Error(t, err)
}
