package models

import (
	"fmt"
	"strings"
)

// ErrInvalidRecordID is returned when a string is not of the form table:id.
var ErrInvalidRecordID = fmt.Errorf("invalid record id, expected format is 'table:identifier'")

// RecordID addresses one record of a table. On the wire it is the array
// [table, id] under RecordIDTag.
type RecordID struct {
	_     struct{} `cbor:",toarray"`
	Table string
	ID    any
}

func NewRecordID(table string, id any) RecordID {
	return RecordID{Table: table, ID: id}
}

// ParseRecordID splits "table:id". The id part is kept as a string.
func ParseRecordID(s string) (RecordID, error) {
	table, id, ok := strings.Cut(s, ":")
	if !ok || table == "" || id == "" {
		return RecordID{}, fmt.Errorf("%w: %q", ErrInvalidRecordID, s)
	}
	return RecordID{Table: table, ID: id}, nil
}

func (r RecordID) String() string {
	return fmt.Sprintf("%s:%v", r.Table, r.ID)
}

// SurrealString renders the id as a SurrealQL record literal.
func (r RecordID) SurrealString() string {
	return fmt.Sprintf("r'%s'", r.String())
}
