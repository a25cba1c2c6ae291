// Package validate implements per-endpoint request-body schema checking:
// field name, kind, optionality, and default, producing the structured
// problem document C10/C11 return on a 400.
package validate

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/backdotai/storage-proxy/internal/apperr"
	"github.com/backdotai/storage-proxy/internal/vfpath"
)

// Kind is the field type a schema entry checks for.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindBytes
	KindUUID
	KindRelpath
	KindBool
	KindByteSize
)

// Field describes one schema entry.
type Field struct {
	Name     string
	Kind     Kind
	Optional bool
	Default  interface{}
}

// Body is the parsed JSON request body, already decoded into a generic map
// by the HTTP layer.
type Body map[string]interface{}

// Validate checks body against schema, returning the first violation as a
// structured apperr (InvalidAPIParameters, 400) or nil if the body
// conforms. On success, missing optional fields are populated into body
// with their declared defaults so handlers can read them uniformly.
func Validate(schema []Field, body Body) error {
	for _, f := range schema {
		raw, present := body[f.Name]
		if !present {
			if f.Optional {
				if f.Default != nil {
					body[f.Name] = f.Default
				}
				continue
			}
			return apperr.New(apperr.InvalidAPIParameters, "missing required field").
				WithOp("validate").WithDetail("field", f.Name)
		}
		if err := checkKind(f, raw); err != nil {
			return err
		}
	}
	return nil
}

func checkKind(f Field, raw interface{}) error {
	fail := func(reason string) error {
		return apperr.New(apperr.InvalidAPIParameters, reason).
			WithOp("validate").WithDetail("field", f.Name)
	}

	switch f.Kind {
	case KindString, KindUUID, KindBytes:
		s, ok := raw.(string)
		if !ok {
			return fail("expected a string")
		}
		if f.Kind == KindUUID {
			if len(s) != 32 {
				return fail("expected a 32-character hex vfid")
			}
			if _, err := hex.DecodeString(s); err != nil {
				return fail("expected a 32-character hex vfid")
			}
		}
	case KindInteger, KindByteSize:
		switch v := raw.(type) {
		case float64:
			if v != float64(int64(v)) {
				return fail("expected an integer")
			}
		case string:
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return fail("expected an integer")
			}
		default:
			return fail("expected an integer")
		}
	case KindBool:
		switch v := raw.(type) {
		case bool:
		case string:
			if !isTruthyString(v) {
				return fail("expected a boolean")
			}
		default:
			return fail("expected a boolean")
		}
	case KindRelpath:
		s, ok := raw.(string)
		if !ok {
			return fail("expected a relative path string")
		}
		if err := vfpath.ValidateRelpath(s); err != nil {
			return err
		}
	}
	return nil
}

// ParseBool applies the spec's "bool with common truthy parsing" rule to a
// raw field value already known to have passed KindBool validation.
func ParseBool(raw interface{}) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return isTruthyString(v)
	default:
		return false
	}
}

func isTruthyString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
