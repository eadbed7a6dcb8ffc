package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/pay-theory/dynaitem/pkg/errors"
)

// ValidationError describes why a name, path or expression was rejected
type ValidationError struct {
	Type   string
	Field  string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %q - %s", e.Type, e.Field, e.Detail)
}

// Unwrap returns the sentinel the error is classified under
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Limits enforced by the store
const (
	MaxAttributeNameLength = 255
	MaxNestedDepth         = 32
	MaxExpressionLength    = 4096
)

var (
	tableNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	placeholderToken = regexp.MustCompile(`^[#:][A-Za-z0-9_]+$`)
)

// PathPart is one dot-separated segment of a document path, with any list indexes that follow it
type PathPart struct {
	Name    string
	Indexes []int
}

// ParsePath splits a document path such as "profile.addresses[0].city" into its parts.
func ParsePath(path string) ([]PathPart, error) {
	if path == "" {
		return nil, pathError(path, "attribute path cannot be empty")
	}

	segments := strings.Split(path, ".")
	if len(segments) > MaxNestedDepth {
		return nil, pathError(path, fmt.Sprintf("nested path depth exceeds maximum of %d", MaxNestedDepth))
	}

	parts := make([]PathPart, 0, len(segments))
	for _, segment := range segments {
		part, err := parsePart(segment)
		if err != nil {
			return nil, pathError(path, err.Error())
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// ValidateAttributePath checks a document path without returning its parts
func ValidateAttributePath(path string) error {
	_, err := ParsePath(path)
	return err
}

func parsePart(segment string) (PathPart, error) {
	if segment == "" {
		return PathPart{}, fmt.Errorf("path part cannot be empty")
	}

	name := segment
	var indexes []int
	if open := strings.IndexByte(segment, '['); open >= 0 {
		name = segment[:open]
		rest := segment[open:]
		for rest != "" {
			if rest[0] != '[' {
				return PathPart{}, fmt.Errorf("unexpected characters after list index")
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return PathPart{}, fmt.Errorf("unterminated list index")
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return PathPart{}, fmt.Errorf("list index must be a non-negative number")
			}
			indexes = append(indexes, idx)
			rest = rest[end+1:]
		}
	}

	if err := validateName(name); err != nil {
		return PathPart{}, err
	}
	return PathPart{Name: name, Indexes: indexes}, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("attribute name cannot be empty")
	}
	if len(name) > MaxAttributeNameLength {
		return fmt.Errorf("attribute name exceeds maximum length of %d characters", MaxAttributeNameLength)
	}
	if strings.ContainsAny(name, "[]") {
		return fmt.Errorf("attribute name contains brackets")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("attribute name contains control characters")
		}
	}
	return nil
}

func pathError(path, detail string) error {
	return &ValidationError{
		Type:   "InvalidPath",
		Field:  path,
		Detail: detail,
		Err:    errors.ErrInvalidPath,
	}
}

// ValidateExpression checks a caller supplied expression fragment
func ValidateExpression(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return &ValidationError{
			Type:   "InvalidExpression",
			Field:  expression,
			Detail: "expression cannot be empty",
			Err:    errors.ErrInvalidRequest,
		}
	}
	if len(expression) > MaxExpressionLength {
		return &ValidationError{
			Type:   "InvalidExpression",
			Field:  "expression",
			Detail: fmt.Sprintf("expression exceeds maximum length of %d characters", MaxExpressionLength),
			Err:    errors.ErrInvalidRequest,
		}
	}
	return nil
}

// ValidatePlaceholder checks that a caller supplied placeholder key looks like #name or :value
func ValidatePlaceholder(token string) error {
	if !placeholderToken.MatchString(token) {
		return &ValidationError{
			Type:   "InvalidPlaceholder",
			Field:  token,
			Detail: "placeholder must start with # or : followed by letters, digits or underscores",
			Err:    errors.ErrInvalidRequest,
		}
	}
	return nil
}

// ValidateTableName validates a DynamoDB table name
func ValidateTableName(name string) error {
	if len(name) < 3 || len(name) > 255 {
		return &ValidationError{
			Type:   "InvalidTableName",
			Field:  name,
			Detail: "table name must be 3-255 characters",
			Err:    errors.ErrInvalidRequest,
		}
	}

	if !tableNamePattern.MatchString(name) {
		return &ValidationError{
			Type:   "InvalidTableName",
			Field:  name,
			Detail: "table name can only contain letters, numbers, dots, dashes, and underscores",
			Err:    errors.ErrInvalidRequest,
		}
	}

	return nil
}

// ValidateIndexName validates a DynamoDB index name
func ValidateIndexName(name string) error {
	if name == "" {
		return nil // Empty index name is allowed (means no index)
	}

	if len(name) < 3 || len(name) > 255 {
		return &ValidationError{
			Type:   "InvalidIndexName",
			Field:  name,
			Detail: "index name must be 3-255 characters",
			Err:    errors.ErrInvalidRequest,
		}
	}

	if !tableNamePattern.MatchString(name) {
		return &ValidationError{
			Type:   "InvalidIndexName",
			Field:  name,
			Detail: "index name can only contain letters, numbers, dots, dashes, and underscores",
			Err:    errors.ErrInvalidRequest,
		}
	}

	return nil
}

// ValidateAttributeName validates a top level attribute name such as a key attribute
func ValidateAttributeName(name string) error {
	if err := validateName(name); err != nil {
		return &ValidationError{
			Type:   "InvalidAttributeName",
			Field:  name,
			Detail: err.Error(),
			Err:    errors.ErrInvalidRequest,
		}
	}
	if strings.Contains(name, ".") {
		return &ValidationError{
			Type:   "InvalidAttributeName",
			Field:  name,
			Detail: "attribute name cannot contain dots",
			Err:    errors.ErrInvalidRequest,
		}
	}
	return nil
}
