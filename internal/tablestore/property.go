package tablestore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PropertyType tags the value stored in a Property.
type PropertyType string

const (
	PropertyString PropertyType = "string"
	PropertyBool   PropertyType = "bool"
	PropertyInt64  PropertyType = "int64"
	PropertyTime   PropertyType = "time"
)

// Property is a typed row value. Values are kept in their canonical text form.
type Property struct {
	Type  PropertyType `json:"t"`
	Value string       `json:"v"`
}

// StringValue builds a string property.
func StringValue(value string) Property {
	return Property{Type: PropertyString, Value: value}
}

// BoolValue builds a bool property.
func BoolValue(value bool) Property {
	return Property{Type: PropertyBool, Value: strconv.FormatBool(value)}
}

// Int64Value builds an integer property.
func Int64Value(value int64) Property {
	return Property{Type: PropertyInt64, Value: strconv.FormatInt(value, 10)}
}

// TimeValue builds a timestamp property normalized to UTC.
func TimeValue(value time.Time) Property {
	return Property{Type: PropertyTime, Value: value.UTC().Format(time.RFC3339Nano)}
}

// Properties maps property names to values. A missing key means the property
// was never written, which is distinct from an empty value.
type Properties map[string]Property

// Clone returns a shallow copy safe for independent mutation.
func (p Properties) Clone() Properties {
	cloned := make(Properties, len(p))
	for name, value := range p {
		cloned[name] = value
	}
	return cloned
}

// String returns the named property as text; ok is false when absent.
func (p Properties) String(name string) (string, bool) {
	property, ok := p[name]
	if !ok {
		return "", false
	}
	return property.Value, true
}

// StringPtr returns a pointer to the named property text, or nil when absent.
func (p Properties) StringPtr(name string) *string {
	property, ok := p[name]
	if !ok {
		return nil
	}
	value := property.Value
	return &value
}

// Bool returns the named property as a bool; absent properties read as false.
func (p Properties) Bool(name string) (bool, error) {
	property, ok := p[name]
	if !ok {
		return false, nil
	}
	if err := property.expect(name, PropertyBool); err != nil {
		return false, err
	}
	value, err := strconv.ParseBool(property.Value)
	if err != nil {
		return false, fmt.Errorf("property %s: %w", name, err)
	}
	return value, nil
}

// Int64 returns the named property as an integer; absent properties read as zero.
func (p Properties) Int64(name string) (int64, error) {
	property, ok := p[name]
	if !ok {
		return 0, nil
	}
	if err := property.expect(name, PropertyInt64); err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(property.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", name, err)
	}
	return value, nil
}

// Time returns the named property as a timestamp; ok is false when absent.
func (p Properties) Time(name string) (time.Time, bool, error) {
	property, ok := p[name]
	if !ok {
		return time.Time{}, false, nil
	}
	if err := property.expect(name, PropertyTime); err != nil {
		return time.Time{}, true, err
	}
	value, err := time.Parse(time.RFC3339Nano, property.Value)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("property %s: %w", name, err)
	}
	return value.UTC(), true, nil
}

func (p Property) expect(name string, want PropertyType) error {
	if p.Type != want {
		return fmt.Errorf("property %s: expected %s, stored %s", name, want, p.Type)
	}
	return nil
}

// MarshalProperties renders properties as the JSON text stored in a row.
func MarshalProperties(properties Properties) (string, error) {
	if properties == nil {
		properties = Properties{}
	}
	data, err := json.Marshal(properties)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(data), nil
}

// UnmarshalProperties parses JSON text written by MarshalProperties.
func UnmarshalProperties(data string) (Properties, error) {
	properties := Properties{}
	if data == "" {
		return properties, nil
	}
	if err := json.Unmarshal([]byte(data), &properties); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return properties, nil
}
