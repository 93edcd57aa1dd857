// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package framework

// FieldType is the enum of types that a field can be.
type FieldType uint

const (
	TypeInvalid FieldType = 0
	TypeString  FieldType = iota
	TypeInt
	TypeInt64
	TypeBool
	TypeMap

	// TypeDurationSecond represents a non-negative duration as seconds,
	// accepting either an integer or a go duration format string (e.g. 24h).
	TypeDurationSecond

	// TypeStringSlice is a slice of sanitized strings.
	TypeStringSlice

	// TypeCommaStringSlice is a helper for TypeStringSlice that also
	// supports parsing a comma-separated string.
	TypeCommaStringSlice

	// TypeLowerCaseString is a helper for TypeString that returns a
	// lowercased version of the provided string.
	TypeLowerCaseString

	// TypeNameString represents a name that is URI safe and follows specific
	// rules. These rules include start and end with an alphanumeric
	// character and characters in the middle can be alphanumeric or . or -.
	TypeNameString

	// TypeKVPairs allows you to represent the data as a map or a list of
	// kv pairs.
	TypeKVPairs
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeLowerCaseString:
		return "lowercase string"
	case TypeNameString:
		return "name string"
	case TypeInt:
		return "int"
	case TypeInt64:
		return "int64"
	case TypeBool:
		return "bool"
	case TypeMap:
		return "map"
	case TypeKVPairs:
		return "keypair"
	case TypeDurationSecond:
		return "duration (sec)"
	case TypeStringSlice, TypeCommaStringSlice:
		return "slice"
	default:
		return "unknown type"
	}
}
