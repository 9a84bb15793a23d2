package ot

// Operation is one step of a transaction. It is either a Retain or a Replace.
type Operation interface {
	isOperation()
}

type (
	// Retain skips Length positions of the base document unchanged.
	Retain struct {
		Length int
	}

	// Replace deletes the Remove items at the current position and inserts
	// Insert in their place.
	Replace struct {
		Remove []Item
		Insert []Item
	}
)

func (Retain) isOperation()  {}
func (Replace) isOperation() {}

// Range is a half-open span [Start, End) of document offsets.
type Range struct {
	Start int `json:"start" cbor:"start"`
	End   int `json:"end" cbor:"end"`
}

// Len returns End - Start.
func (r Range) Len() int {
	return r.End - r.Start
}

// normalize drops empty operations and merges adjacent retains.
func normalize(ops []Operation) ([]Operation, error) {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		switch o := op.(type) {
		case Retain:
			if o.Length < 0 {
				return nil, ErrMalformedTransaction
			}
			if o.Length == 0 {
				continue
			}
			if n := len(out); n > 0 {
				if prev, ok := out[n-1].(Retain); ok {
					out[n-1] = Retain{Length: prev.Length + o.Length}
					continue
				}
			}
			out = append(out, o)
		case Replace:
			if len(o.Remove) == 0 && len(o.Insert) == 0 {
				continue
			}
			out = append(out, Replace{Remove: cloneItems(o.Remove), Insert: cloneItems(o.Insert)})
		case nil:
			return nil, ErrMalformedTransaction
		}
	}
	return out, nil
}
