package flow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, raw string) Doc {
	t.Helper()
	var d Doc
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	return d
}

func TestDocRoundTripPreservesOrder(t *testing.T) {
	raw := `{"id":"n1","type":"idea","position":{"x":1,"y":2},"data":{"label":"hello"},"selected":true}`
	d := mustDoc(t, raw)

	encoded, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, raw, string(encoded))
}

func TestDocSetKeepsExistingKeyPosition(t *testing.T) {
	d := mustDoc(t, `{"a":1,"b":2,"c":3}`)
	d.Set("b", json.RawMessage(`9`))

	encoded, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":9,"c":3}`, string(encoded))
}

func TestDocSetAppendsNewKey(t *testing.T) {
	d := mustDoc(t, `{"a":1}`)
	d.Set("z", json.RawMessage(`true`))

	encoded, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":true}`, string(encoded))
}

func TestDocStringField(t *testing.T) {
	d := mustDoc(t, `{"id":"n1","count":3}`)

	id, ok := d.StringField("id")
	assert.True(t, ok)
	assert.Equal(t, "n1", id)
	assert.Equal(t, "n1", d.ID())

	_, ok = d.StringField("count")
	assert.False(t, ok)
	_, ok = d.StringField("missing")
	assert.False(t, ok)
}

func TestDocRejectsNonObject(t *testing.T) {
	var d Doc
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"str"`), &d))
}
