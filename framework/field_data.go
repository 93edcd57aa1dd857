// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package framework

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/go-secure-stdlib/strutil"
)

// FieldData is the structure passed to the callback to handle a path
// containing the populated parameters for fields. This should be used
// instead of the raw (*Request).Data to access data in a type-safe way.
type FieldData struct {
	Raw    map[string]interface{}
	Schema map[string]*FieldSchema
}

var nameStringRegex = regexp.MustCompile(`^\w(([\w-.]+)?\w)?$`)

// Validate cycles through raw data and validates conversions in
// the schema, so we don't get an error/panic later when
// trying to get data out. Data not in the schema is not
// an error at this point, so we don't worry about it.
func (d *FieldData) Validate() error {
	for field := range d.Raw {
		schema, ok := d.Schema[field]
		if !ok {
			continue
		}
		if _, _, err := d.decodeField(field, schema); err != nil {
			return fmt.Errorf("error converting input for field %q: %w", field, err)
		}
	}
	return nil
}

// Get gets the value for the given field. If the key is an invalid field,
// FieldData will panic. If you want a safer version of this method, use
// GetOk. If the field k is not set, the default value (if set) will be
// returned, otherwise the zero value will be returned.
func (d *FieldData) Get(k string) interface{} {
	schema, ok := d.Schema[k]
	if !ok {
		panic(fmt.Sprintf("field %s not in the schema", k))
	}

	value, ok := d.GetOk(k)
	if !ok || value == nil {
		value = schema.DefaultOrZero()
	}
	return value
}

// GetOk gets the value for the given field. The second return value will be
// false if the key is invalid or the key is not set at all.
func (d *FieldData) GetOk(k string) (interface{}, bool) {
	if _, ok := d.Schema[k]; !ok {
		return nil, false
	}

	result, ok, err := d.GetOkErr(k)
	if err != nil {
		panic(fmt.Sprintf("error reading %s: %s", k, err))
	}
	if ok && result == nil {
		result = d.Schema[k].DefaultOrZero()
	}
	return result, ok
}

// GetOkErr is the most conservative of all the Get methods. It returns
// whether key is set or not, but also an error value.
func (d *FieldData) GetOkErr(k string) (interface{}, bool, error) {
	schema, ok := d.Schema[k]
	if !ok {
		return nil, false, fmt.Errorf("unknown field: %q", k)
	}
	return d.decodeField(k, schema)
}

// decodeField converts the raw value for k into schema.Type. The bool
// reports whether the field was present in the raw data at all.
func (d *FieldData) decodeField(k string, schema *FieldSchema) (interface{}, bool, error) {
	raw, present := d.Raw[k]
	if !present {
		return nil, false, nil
	}
	// A literal null duration means "not set", not zero.
	if raw == nil && schema.Type == TypeDurationSecond {
		return nil, false, nil
	}

	var result interface{}
	var err error
	switch schema.Type {
	case TypeBool:
		result, err = weakDecode[bool](raw)
	case TypeInt:
		result, err = weakDecode[int](raw)
	case TypeInt64:
		result, err = weakDecode[int64](raw)
	case TypeString:
		result, err = weakDecode[string](raw)
	case TypeLowerCaseString:
		result, err = decodeLowerCaseString(raw)
	case TypeNameString:
		result, err = decodeNameString(raw)
	case TypeMap:
		result, err = weakDecode[map[string]interface{}](raw)
	case TypeDurationSecond:
		result, err = decodeDurationSecond(raw)
	case TypeStringSlice:
		result, err = decodeStringSlice(raw)
	case TypeCommaStringSlice:
		result, err = parseutil.ParseCommaStringSlice(raw)
	case TypeKVPairs:
		result, err = decodeKVPairs(raw)
	default:
		return nil, false, fmt.Errorf("unknown field type %q for field %q", schema.Type, k)
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func weakDecode[T any](raw interface{}) (T, error) {
	var result T
	err := mapstructure.WeakDecode(raw, &result)
	return result, err
}

func decodeLowerCaseString(raw interface{}) (interface{}, error) {
	result, err := weakDecode[string](raw)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(result), nil
}

func decodeNameString(raw interface{}) (interface{}, error) {
	result, err := weakDecode[string](raw)
	if err != nil {
		return nil, err
	}
	if !nameStringRegex.MatchString(result) {
		return nil, errors.New("field does not match the formatting rules")
	}
	return result, nil
}

func decodeDurationSecond(raw interface{}) (interface{}, error) {
	dur, err := parseutil.ParseDurationSecond(raw)
	if err != nil {
		return nil, err
	}
	seconds := int(dur.Seconds())
	if seconds < 0 {
		return nil, fmt.Errorf("cannot provide negative value '%d'", seconds)
	}
	return seconds, nil
}

func decodeStringSlice(raw interface{}) (interface{}, error) {
	if s, ok := raw.(string); ok && s == "" {
		return []string{}, nil
	}
	result, err := weakDecode[[]string](raw)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return []string{}, nil
	}
	return strutil.TrimStrings(result), nil
}

// decodeKVPairs accepts either a map or a list of "key=value" strings.
func decodeKVPairs(raw interface{}) (interface{}, error) {
	if mapResult, err := weakDecode[map[string]string](raw); err == nil {
		return mapResult, nil
	}

	listResult, err := weakDecode[[]string](raw)
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(listResult))
	for _, pair := range listResult {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid key pair %q", pair)
		}
		result[key] = value
	}
	return result, nil
}
