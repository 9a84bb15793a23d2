package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleChange(t *testing.T) (*LinearDocument, *Change) {
	t.Helper()
	doc := NewLinearDocument([]Item{
		{Element: &Element{Type: "heading", Attributes: map[string]any{"level": 1}}},
		Char("a"),
		Close("heading"),
		Open("internalList"),
		Close("internalList"),
	})
	first, err := NewInsertion(doc, "1", 2, []Item{AnnotatedChar("b", "h123"), Char("c")})
	require.NoError(t, err)
	second := mustRemove(t, mustApply(t, doc, first), "1", 1, 1)
	return doc, &Change{
		ID:           "c1",
		Author:       "1",
		Start:        3,
		Transactions: []*Transaction{first, second},
		Stores: []Store{
			{Hashes: []string{"h123"}, Values: map[string]any{"h123": map[string]any{"type": "textStyle/bold"}}},
			{},
		},
		Selections: map[string]Selection{"1": LinearSelection(2, 2), "2": {Type: SelectionNull}},
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	doc, c := sampleChange(t)

	data, err := Serialize(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), `["b",["h123"]]`)
	assert.Contains(t, string(data), `"hashStore"`)

	decoded, err := Deserialize(data)
	require.NoError(t, err)
	again, err := Serialize(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))

	want, err := c.Apply(doc)
	require.NoError(t, err)
	got, err := decoded.Apply(doc)
	require.NoError(t, err)
	assert.True(t, want.(*LinearDocument).Equal(got.(*LinearDocument)))
	assert.Equal(t, "bc", got.(*LinearDocument).Text())
}

func TestBinaryRoundTrip(t *testing.T) {
	doc, c := sampleChange(t)

	data, err := EncodeBinary(c)
	require.NoError(t, err)
	decoded, err := DecodeBinary(data)
	require.NoError(t, err)
	again, err := EncodeBinary(decoded)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	assert.Equal(t, c.ID, decoded.ID)
	assert.Equal(t, c.Start, decoded.Start)
	assert.Equal(t, c.Selections, decoded.Selections)
	require.Len(t, decoded.Transactions, 2)
	for i := range c.Transactions {
		assert.True(t, c.Transactions[i].Equal(decoded.Transactions[i]), "transaction %d", i)
	}

	got, err := decoded.Apply(doc)
	require.NoError(t, err)
	assert.Equal(t, "bc", got.(*LinearDocument).Text())
}

func TestDeserializeWireFormat(t *testing.T) {
	data := []byte(`{
		"start": 0,
		"transactions": [{
			"author": "7",
			"operations": [
				{"type": "retain", "length": 1},
				{"type": "replace", "insert": ["h", ["i", ["h1"]]]},
				{"type": "retain", "length": 3}
			]
		}]
	}`)
	c, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	assert.Equal(t, "7", c.Transactions[0].Author())
	assert.Equal(t, 4, c.Transactions[0].BaseLength())

	doc := NewLinearDocument([]Item{Open("paragraph"), Close("paragraph"), Open("internalList"), Close("internalList")})
	out := mustApply(t, doc, c.Transactions...)
	assert.Equal(t, "hi", out.Text())
	assert.Equal(t, []string{"h1"}, out.Slice(2, 3)[0].Annotations)
}

func TestDeserializeErrors(t *testing.T) {
	_, err := Deserialize([]byte(`{"start":0,"transactions":[{"operations":[{"type":"splice"}]}]}`))
	require.ErrorIs(t, err, ErrMalformedTransaction)

	_, err = Deserialize([]byte(`{"start":0,"transactions":[{"operations":[{"type":"retain","length":-2}]}]}`))
	require.ErrorIs(t, err, ErrMalformedTransaction)

	_, err = Deserialize([]byte(`{"start":0,"transactions":[{"operations":[{"type":"replace","insert":[{}]}]}]}`))
	require.Error(t, err)

	c, err := Deserialize([]byte(`{"start":5}`))
	require.NoError(t, err)
	assert.NotNil(t, c.Transactions)
	assert.True(t, c.IsEmpty())
	assert.Equal(t, 5, c.End())
}
