package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSON-encoded column types, these implement driver.Valuer and sql.Scanner so
// gorm can store them on sqlite and postgres alike.

func scanJSON(val interface{}, dest interface{}) error {
	var ba []byte
	switch v := val.(type) {
	case nil:
		return nil
	case []byte:
		ba = v
	case string:
		ba = []byte(v)
	default:
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", val))
	}
	return json.Unmarshal(ba, dest)
}

func jsonDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return "JSON"
	case "mysql":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// JSONStringSlice is a set of string ids stored as a JSON array.
type JSONStringSlice []string

func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	ba, err := json.Marshal([]string(s))
	return string(ba), err
}

func (s *JSONStringSlice) Scan(val interface{}) error { return scanJSON(val, s) }

func (JSONStringSlice) GormDataType() string { return "jsonstringslice" }

func (JSONStringSlice) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDBDataType(db, field)
}

// JSONInt64Map is a userId -> counter map stored as a JSON object.
type JSONInt64Map map[string]int64

func (m JSONInt64Map) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	ba, err := json.Marshal(map[string]int64(m))
	return string(ba), err
}

func (m *JSONInt64Map) Scan(val interface{}) error { return scanJSON(val, m) }

func (JSONInt64Map) GormDataType() string { return "jsonint64map" }

func (JSONInt64Map) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDBDataType(db, field)
}

// JSONReactions is the ordered-by-arrival reaction list of a message.
type JSONReactions []Reaction

func (r JSONReactions) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	ba, err := json.Marshal([]Reaction(r))
	return string(ba), err
}

func (r *JSONReactions) Scan(val interface{}) error { return scanJSON(val, r) }

func (JSONReactions) GormDataType() string { return "jsonreactions" }

func (JSONReactions) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDBDataType(db, field)
}

// JSONReadReceipts is the read-receipt set of a message.
type JSONReadReceipts []ReadReceipt

func (r JSONReadReceipts) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	ba, err := json.Marshal([]ReadReceipt(r))
	return string(ba), err
}

func (r *JSONReadReceipts) Scan(val interface{}) error { return scanJSON(val, r) }

func (JSONReadReceipts) GormDataType() string { return "jsonreadreceipts" }

func (JSONReadReceipts) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDBDataType(db, field)
}

// JSONFile wraps a FileDescriptor as a nullable JSON column.
type JSONFile FileDescriptor

func (f *JSONFile) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	ba, err := json.Marshal((*FileDescriptor)(f))
	return string(ba), err
}

func (f *JSONFile) Scan(val interface{}) error { return scanJSON(val, f) }

func (*JSONFile) GormDataType() string { return "jsonfile" }

func (*JSONFile) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDBDataType(db, field)
}

func (f *JSONFile) Descriptor() *FileDescriptor {
	if f == nil {
		return nil
	}
	return (*FileDescriptor)(f)
}
