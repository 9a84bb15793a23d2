package ot

// Selection types.
const (
	SelectionLinear = "linear"
	SelectionNull   = "null"
)

// Selection is an author's caret or range in the linear document.
type Selection struct {
	Type string `json:"type" cbor:"type"`
	From int    `json:"from,omitempty" cbor:"from,omitempty"`
	To   int    `json:"to,omitempty" cbor:"to,omitempty"`
}

// LinearSelection returns a selection covering [from, to).
func LinearSelection(from, to int) Selection {
	return Selection{Type: SelectionLinear, From: from, To: to}
}

// IsNull reports whether the selection points nowhere.
func (s Selection) IsNull() bool {
	return s.Type != SelectionLinear
}

// Translate maps the selection through tx. Insertions by other authors at
// the selection's edges do not move it; the author's own insertions do.
func (s Selection) Translate(tx *Transaction, author string) Selection {
	if s.IsNull() {
		return s
	}
	exclude := tx.Author() != author
	return Selection{
		Type: s.Type,
		From: tx.TranslateOffset(s.From, exclude),
		To:   tx.TranslateOffset(s.To, exclude),
	}
}

// TranslateByChange maps the selection through every transaction of c.
func (s Selection) TranslateByChange(c *Change, author string) Selection {
	for _, tx := range c.Transactions {
		s = s.Translate(tx, author)
	}
	return s
}

// Store is a side table of values (annotations, metadata) keyed by hash,
// holding whatever the transaction at the same index introduced.
type Store struct {
	Hashes []string       `json:"hashes" cbor:"hashes"`
	Values map[string]any `json:"hashStore" cbor:"hashStore"`
}

// IsEmpty reports whether the store holds nothing.
func (s Store) IsEmpty() bool {
	return len(s.Hashes) == 0
}

// Clone copies the hash list and the top level of the value map.
func (s Store) Clone() Store {
	out := Store{Hashes: append([]string(nil), s.Hashes...)}
	if s.Values != nil {
		out.Values = make(map[string]any, len(s.Values))
		for k, v := range s.Values {
			out.Values[k] = v
		}
	}
	return out
}
