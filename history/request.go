package history

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Request is the JSON body of <hist>/request/<tag>.
//
//	{"interval":"minute","topic":"/ble/advertise/kitchen/temp","age":6}
//	{"interval":"hour","topic":"...","from":"2024-05-01","to":"2024-05-02T12:00:00Z"}
type Request struct {
	Interval string   `json:"interval"`
	Topic    string   `json:"topic"`
	Age      *float64 `json:"age,omitempty"` // hours
	From     any      `json:"from,omitempty"`
	To       any      `json:"to,omitempty"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Window resolves the request into an absolute range. age wins over from; to defaults to now.
func (r Request) Window(now time.Time) (from, to time.Time, err error) {
	if r.Topic == "" {
		return from, to, errors.New("no topic")
	}
	if r.Interval == "" {
		return from, to, errors.New("no interval")
	}

	switch {
	case r.Age != nil:
		from = now.Add(-time.Duration(*r.Age * float64(time.Hour)))
	case r.From != nil:
		if from, err = ParseTime(r.From); err != nil {
			return from, to, fmt.Errorf("from: %w", err)
		}
	default:
		return from, to, errors.New("one of age or from is required")
	}

	to = now
	if r.To != nil {
		if to, err = ParseTime(r.To); err != nil {
			return from, to, fmt.Errorf("to: %w", err)
		}
	}
	return from, to, nil
}

// ParseTime accepts epoch milliseconds (number or numeric string), RFC 3339 or a plain date.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		return time.UnixMilli(int64(t)), nil
	case string:
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.ParseInLocation(layout, t, time.Local); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised time %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %v", v)
	}
}
