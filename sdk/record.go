package sdk

import (
	"github.com/mailru/easyjson/jwriter"
)

// AgentNameField is the field added to every delivered record to identify the agent
const AgentNameField = "agent_name"

// Column describes a source column
type Column struct {
	Name string
	// DatabaseType is the type name reported by the driver such as DATETIME or DECIMAL(10,2)
	DatabaseType string
}

// Field is a single named value in a Record
type Field struct {
	Name  string
	Value Value
}

// Record is an ordered, immutable set of transport safe fields built from one source row
type Record struct {
	fields []Field
}

// NewRecord normalizes one source row. A value that cannot be normalized fails the whole record.
func NewRecord(columns []Column, row []interface{}) (Record, error) {
	fields := make([]Field, len(columns))
	for i, col := range columns {
		var raw interface{}
		if i < len(row) {
			raw = row[i]
		}
		val, err := Normalize(col.Name, raw, col.DatabaseType)
		if err != nil {
			return Record{}, err
		}
		fields[i] = Field{col.Name, val}
	}
	return Record{fields}, nil
}

// RecordFromFields builds a record from already normalized fields
func RecordFromFields(fields ...Field) Record {
	f := make([]Field, len(fields))
	copy(f, fields)
	return Record{f}
}

// Len returns the number of fields
func (r Record) Len() int { return len(r.fields) }

// Fields returns a copy of the fields in column order
func (r Record) Fields() []Field {
	f := make([]Field, len(r.fields))
	copy(f, r.fields)
	return f
}

// Get returns the value for the named field
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// MarshalEasyJSON writes the record as a JSON object preserving column order
func (r Record) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawByte('{')
	r.writeFields(w, false, "")
	w.RawByte('}')
}

// MarshalJSON implements json.Marshaler
func (r Record) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	r.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// MarshalTaggedEasyJSON writes the record with a leading tag field. A column with the same name as
// the tag replaces the tag value in place.
func (r Record) MarshalTaggedEasyJSON(w *jwriter.Writer, tag string, value string) {
	w.RawByte('{')
	w.String(tag)
	w.RawByte(':')
	if v, ok := r.Get(tag); ok {
		v.MarshalEasyJSON(w)
	} else {
		w.String(value)
	}
	r.writeFields(w, true, tag)
	w.RawByte('}')
}

func (r Record) writeFields(w *jwriter.Writer, comma bool, skip string) {
	first := !comma
	for _, f := range r.fields {
		if skip != "" && f.Name == skip {
			continue
		}
		if !first {
			w.RawByte(',')
		}
		first = false
		w.String(f.Name)
		w.RawByte(':')
		f.Value.MarshalEasyJSON(w)
	}
}

// Batch is an ordered group of records extracted and delivered as a unit
type Batch struct {
	Records []Record
	// Cursor is the cursor of the last record, unset for an empty batch
	Cursor Watermark
}

// Len returns the number of records in the batch
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// Empty returns true if the batch has no records
func (b *Batch) Empty() bool {
	return b.Len() == 0
}
