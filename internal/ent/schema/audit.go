package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AuditEntry holds the schema definition for one configuration change.
type AuditEntry struct{ ent.Schema }

// Fields of the AuditEntry. Rows are append-only.
func (AuditEntry) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").NotEmpty().Unique().Immutable(),
		field.String("action").NotEmpty().Immutable(),
		field.String("service_id").Default("").Immutable(),
		field.String("previous_value").Default("").Immutable(),
		field.String("new_value").Default("").Immutable(),
		field.String("source").Default("").Immutable(),
		// Unix nanoseconds; BIGINT on both backends.
		field.Int64("created_at").Immutable(),
	}
}

// Indexes of the AuditEntry.
func (AuditEntry) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("service_id"),
		index.Fields("created_at"),
	}
}
