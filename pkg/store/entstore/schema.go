package entstore

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

// Column names shared by the query builders and the table definitions.
const (
	colID        = "id"
	colSeq       = "seq"
	colType      = "type"
	colPayload   = "payload"
	colTimestamp = "timestamp"
)

// eventsTable describes an events table. The composite primary key (id, seq)
// serves lookups by entity and arbitrates concurrent appends.
func eventsTable(name string) *schema.Table {
	id := &schema.Column{Name: colID, Type: field.TypeUUID}
	seq := &schema.Column{Name: colSeq, Type: field.TypeInt64}
	return &schema.Table{
		Name: name,
		Columns: []*schema.Column{
			id,
			seq,
			{Name: colType, Type: field.TypeString, Size: 2147483647},
			{Name: colPayload, Type: field.TypeBytes},
			{Name: colTimestamp, Type: field.TypeTime},
		},
		PrimaryKey: []*schema.Column{id, seq},
	}
}

// snapshotsTable describes a snapshots table holding one row per entity.
func snapshotsTable(name string) *schema.Table {
	id := &schema.Column{Name: colID, Type: field.TypeUUID}
	return &schema.Table{
		Name: name,
		Columns: []*schema.Column{
			id,
			{Name: colSeq, Type: field.TypeInt64},
			{Name: colPayload, Type: field.TypeBytes},
			{Name: colTimestamp, Type: field.TypeTime},
		},
		PrimaryKey: []*schema.Column{id},
	}
}
