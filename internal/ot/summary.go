package ot

import "strings"

// HistorySummary renders a client's three history zones, e.g.
// "abc/def?/ghi!": confirmed, then sent marked "?", then unsent marked
// "!". Empty zones are omitted.
func HistorySummary(confirmed, sent, unsent *Change) string {
	var parts []string
	if confirmed != nil {
		if s := confirmed.Summary(); s != "" {
			parts = append(parts, s)
		}
	}
	if sent != nil && !sent.IsEmpty() {
		parts = append(parts, sent.Summary()+"?")
	}
	if unsent != nil && !unsent.IsEmpty() {
		parts = append(parts, unsent.Summary()+"!")
	}
	return strings.Join(parts, "/")
}
