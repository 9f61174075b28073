package document

import (
	"time"

	"zkdocdb/server/internal/schema"
)

// Revision is one immutable version of a document. Revisions of the same
// document share DocID; at most one of them is active.
type Revision struct {
	DocID            string         `json:"docId"`
	ObjectID         string         `json:"objectId"`
	Collection       string         `json:"collection"`
	Fields           []schema.Field `json:"fields"`
	Active           bool           `json:"active"`
	PreviousObjectID string         `json:"previousObjectId,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Field returns the value of the named field, or nil.
func (r Revision) Field(name string) schema.Value {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return nil
}

// Collection is a named, schema-typed set of documents within a database.
type Collection struct {
	Database  string        `json:"database"`
	Name      string        `json:"name"`
	Schema    schema.Schema `json:"schema"`
	CreatedAt time.Time     `json:"createdAt"`
}
