package domain

// Group is a named, ordered collection of transaction records.
// Names are case-sensitive and unique within a store.
type Group struct {
	Name    string
	Records []*TransactionRecord
}

// Len returns the number of records in the group.
func (g Group) Len() int {
	return len(g.Records)
}
