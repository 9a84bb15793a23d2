package common

import "github.com/ilnaes/gopad-rebase/internal/ot"

// Request types, client to server.
const (
	Submit = "Submit"
	Query  = "Query"
)

// Response types, server to client.
const (
	Ack     = "Ack"
	Commits = "Commits"
	Error   = "Error"
	Welcome = "Welcome"
)

// Submission is a change sent by an author for commit. Backtrack counts the
// author's previously sent transactions it has since dropped as conflicting.
type Submission struct {
	Author    string     `json:"author" cbor:"author"`
	Backtrack int        `json:"backtrack" cbor:"backtrack"`
	Change    *ot.Change `json:"change" cbor:"change"`
}

// Commit is one entry of canonical history. Index counts entries, while
// Change.Start counts transactions.
type Commit struct {
	DocID  string     `json:"docId,omitempty" cbor:"docId,omitempty"`
	Index  int        `json:"index" cbor:"index"`
	Change *ot.Change `json:"change" cbor:"change"`
}

type Request struct {
	Type string `json:"type"`

	Submission *Submission `json:"submission,omitempty"` // for Submit
	Index      int         `json:"index,omitempty"`      // first entry wanted, for Query
}

type Response struct {
	Type string `json:"type"`

	Author  string   `json:"author,omitempty"` // assigned author id, for Welcome
	Length  int      `json:"length,omitempty"` // entries committed so far
	Index   int      `json:"index,omitempty"`  // entry of the acknowledged submission
	Commits []Commit `json:"commits,omitempty"`
	Error   string   `json:"error,omitempty"`
}
