package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// FlowDocument stores the encoded graph document as raw JSON.
type FlowDocument []byte

// Scan implements sql.Scanner interface
func (d *FlowDocument) Scan(value interface{}) error {
	if value == nil {
		*d = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*d = append(FlowDocument(nil), v...)
		return nil
	case string:
		*d = []byte(v)
		return nil
	default:
		return fmt.Errorf("cannot scan type %T into FlowDocument", value)
	}
}

// Value implements driver.Valuer interface
func (d FlowDocument) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return []byte(d), nil
}

// MarshalJSON implements json.Marshaler - returns raw JSON
func (d FlowDocument) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON implements json.Unmarshaler - stores raw JSON
func (d *FlowDocument) UnmarshalJSON(data []byte) error {
	if data == nil {
		*d = nil
		return nil
	}
	*d = append(FlowDocument(nil), data...)
	return nil
}

type Flow struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	Name      string       `json:"name"`
	Document  FlowDocument `gorm:"type:jsonb" json:"document"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
