package ot

import (
	"encoding/json"
	"fmt"

	"github.com/ilnaes/gopad-rebase/internal/codec"
)

const (
	opRetain  = "retain"
	opReplace = "replace"
)

type opRecord struct {
	Type   string `json:"type" cbor:"type"`
	Length int    `json:"length,omitempty" cbor:"length,omitempty"`
	Remove []Item `json:"remove,omitempty" cbor:"remove,omitempty"`
	Insert []Item `json:"insert,omitempty" cbor:"insert,omitempty"`
}

type transactionRecord struct {
	Operations []opRecord `json:"operations" cbor:"operations"`
	Author     string     `json:"author,omitempty" cbor:"author,omitempty"`
}

func (t *Transaction) record() transactionRecord {
	rec := transactionRecord{Operations: make([]opRecord, len(t.ops)), Author: t.author}
	for i, op := range t.ops {
		switch o := op.(type) {
		case Retain:
			rec.Operations[i] = opRecord{Type: opRetain, Length: o.Length}
		case Replace:
			rec.Operations[i] = opRecord{Type: opReplace, Remove: o.Remove, Insert: o.Insert}
		}
	}
	return rec
}

func (t *Transaction) fromRecord(rec transactionRecord) error {
	ops := make([]Operation, len(rec.Operations))
	for i, r := range rec.Operations {
		switch r.Type {
		case opRetain:
			ops[i] = Retain{Length: r.Length}
		case opReplace:
			ops[i] = Replace{Remove: r.Remove, Insert: r.Insert}
		default:
			return fmt.Errorf("%w: unknown operation type %q", ErrMalformedTransaction, r.Type)
		}
	}
	parsed, err := newTransaction(rec.Author, ops)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}

func (t *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.record())
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var rec transactionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	return t.fromRecord(rec)
}

func (t *Transaction) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(t.record())
}

func (t *Transaction) UnmarshalCBOR(data []byte) error {
	var rec transactionRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return err
	}
	return t.fromRecord(rec)
}

// Serialize encodes c as JSON, the client/server wire format.
func Serialize(c *Change) ([]byte, error) {
	return json.Marshal(c)
}

// Deserialize decodes a JSON change.
func Deserialize(data []byte) (*Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding change: %w", err)
	}
	if c.Transactions == nil {
		c.Transactions = []*Transaction{}
	}
	return &c, nil
}

// EncodeBinary encodes c as deterministic CBOR for storage and fan-out.
func EncodeBinary(c *Change) ([]byte, error) {
	return codec.Marshal(c)
}

// DecodeBinary decodes a CBOR change.
func DecodeBinary(data []byte) (*Change, error) {
	var c Change
	if err := codec.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding change: %w", err)
	}
	if c.Transactions == nil {
		c.Transactions = []*Transaction{}
	}
	return &c, nil
}
