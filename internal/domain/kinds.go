package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldSpec describes one column of an import schema. Coerce normalizes the
// raw cell value; it is only called on non-empty values.
type FieldSpec struct {
	Name     string
	Required bool
	Coerce   func(string) (string, error)
}

// Schema describes how raw rows of one record kind become candidate records.
type Schema struct {
	Kind       Kind
	NaturalKey string
	Fields     []FieldSpec
}

// Normalize coerces one raw row into field values plus the natural key.
// A missing required field or a failed coercion is a row-level error; the
// caller turns it into a rejected record, never a fatal one.
func (s Schema) Normalize(raw map[string]string) (map[string]string, string, error) {
	fields := make(map[string]string, len(s.Fields))
	for _, spec := range s.Fields {
		value := strings.TrimSpace(raw[spec.Name])
		if value == "" {
			if spec.Required {
				return nil, "", fmt.Errorf("missing required field %q", spec.Name)
			}
			continue
		}
		if spec.Coerce != nil {
			coerced, err := spec.Coerce(value)
			if err != nil {
				return nil, "", fmt.Errorf("field %q: %w", spec.Name, err)
			}
			value = coerced
		}
		fields[spec.Name] = value
	}
	return fields, fields[s.NaturalKey], nil
}

func coercePhone(value string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, value)

	digits := strings.TrimPrefix(cleaned, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("invalid phone number: %s", value)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid phone number: %s", value)
		}
	}
	return cleaned, nil
}

func coercePositiveInt(value string) (string, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return "", fmt.Errorf("invalid integer: %s", value)
	}
	return strconv.Itoa(n), nil
}

func coerceWeight(value string) (string, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		return "", fmt.Errorf("invalid weight: %s", value)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func coerceUpper(value string) (string, error) {
	return strings.ToUpper(value), nil
}

var schemas = map[Kind]Schema{
	KindCustomers: {
		Kind:       KindCustomers,
		NaturalKey: "phone",
		Fields: []FieldSpec{
			{Name: "name", Required: true},
			{Name: "phone", Required: true, Coerce: coercePhone},
			{Name: "email"},
			{Name: "address"},
		},
	},
	KindLineItems: {
		Kind:       KindLineItems,
		NaturalKey: "tracking_code",
		Fields: []FieldSpec{
			{Name: "tracking_code", Required: true, Coerce: coerceUpper},
			{Name: "description", Required: true},
			{Name: "quantity", Required: true, Coerce: coercePositiveInt},
			{Name: "weight_kg", Coerce: coerceWeight},
		},
	},
	KindReceipts: {
		Kind:       KindReceipts,
		NaturalKey: "receipt_no",
		Fields: []FieldSpec{
			{Name: "receipt_no", Required: true, Coerce: coerceUpper},
			{Name: "warehouse", Required: true},
			{Name: "packages", Required: true, Coerce: coercePositiveInt},
			{Name: "shipping_mark"},
		},
	},
}

// SchemaFor returns the import schema for a record kind.
func SchemaFor(kind Kind) (Schema, error) {
	schema, ok := schemas[kind]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return schema, nil
}
