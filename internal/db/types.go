package db

import (
	"database/sql/driver"
	"fmt"
	"math"
	"time"
)

// Time is stored as fractional unix seconds.
type Time time.Time

// Scan implements the sql.Scanner interface.
func (t *Time) Scan(src any) error {
	if src == nil {
		*t = Time{}
		return nil
	}

	switch v := src.(type) {
	case float64:
		*t = Time(time.UnixMilli(int64(math.Round(v * 1000))))
	case int64:
		*t = Time(time.Unix(v, 0))
	default:
		return fmt.Errorf("can't scan into db.Time: %T", src)
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (t Time) Value() (driver.Value, error) {
	return float64(time.Time(t).UnixNano()) / float64(time.Second), nil
}

type NullTime struct {
	Time  Time
	Valid bool
}

func NewNullTime(t time.Time) NullTime {
	return NullTime{Time: Time(t), Valid: true}
}

// Scan implements the sql.Scanner interface.
func (t *NullTime) Scan(src any) error {
	if src == nil {
		*t = NullTime{}
		return nil
	}

	t.Valid = true
	return t.Time.Scan(src)
}

// Value implements the driver.Valuer interface.
func (t NullTime) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.Time.Value()
}
