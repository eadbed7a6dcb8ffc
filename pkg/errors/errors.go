// Package errors defines error types and utilities for dynaitem
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Common errors that can occur in dynaitem operations
var (
	// ErrItemNotFound is returned when a point read or lazy fetch finds no matching item
	ErrItemNotFound = errors.New("item not found")

	// ErrDuplicateItem is returned when a do-not-overwrite put finds an existing item
	ErrDuplicateItem = errors.New("item already exists")

	// ErrInvalidRequest is the root of all caller configuration errors
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBatchIncomplete is returned when unprocessed batch items remain after resubmission
	ErrBatchIncomplete = errors.New("batch operation incomplete")

	// ErrEncryptionNotConfigured is returned when encrypted attributes are used without a KMS key
	ErrEncryptionNotConfigured = errors.New("encryption not configured")

	// ErrInvalidEncryptedEnvelope is returned when an encrypted attribute cannot be parsed
	ErrInvalidEncryptedEnvelope = errors.New("invalid encrypted envelope")
)

// Caller configuration errors. Each one satisfies errors.Is(err, ErrInvalidRequest).
var (
	// ErrNoSortKey is returned when a sort key predicate targets a table or index without one
	ErrNoSortKey = invalid("sort key not defined")

	// ErrIndexNotFound is returned when a query references an unregistered index
	ErrIndexNotFound = invalid("index not found")

	// ErrInvalidToken is returned when a pagination token cannot be decoded
	ErrInvalidToken = invalid("malformed pagination token")

	// ErrMissingKey is returned when an item lacks its partition or sort key attribute
	ErrMissingKey = invalid("missing key attribute")

	// ErrInvalidPath is returned for empty or malformed attribute paths
	ErrInvalidPath = invalid("invalid attribute path")

	// ErrReservedAttribute is returned when a caller writes a key or reserved index attribute
	ErrReservedAttribute = invalid("reserved attribute")

	// ErrQueryExecuted is returned when a query is executed more than once
	ErrQueryExecuted = invalid("query already executed")

	// ErrDuplicateSortCondition is returned when more than one sort key predicate is set
	ErrDuplicateSortCondition = invalid("sort key condition already set")

	// ErrTransactionClosed is returned when a committed transaction is reused
	ErrTransactionClosed = invalid("transaction already committed")

	// ErrTooManyTransactItems is returned when a transaction exceeds the store limit
	ErrTooManyTransactItems = invalid("too many transaction items")
)

type invalidRequestError struct {
	msg string
}

func invalid(msg string) error {
	return &invalidRequestError{msg: msg}
}

func (e *invalidRequestError) Error() string {
	return e.msg
}

func (e *invalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// OpError represents a failed operation with the table and key it targeted
type OpError struct {
	Op    string // Operation that failed
	Table string // Table name
	Key   string // Rendered primary key
	Err   error  // Underlying error
}

// Error implements the error interface
func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("dynaitem: %s %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("dynaitem: %s %s %s: %v", e.Op, e.Table, e.Key, e.Err)
}

// Unwrap returns the underlying error
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new OpError
func NewOpError(op, table string, key map[string]types.AttributeValue, err error) *OpError {
	return &OpError{
		Op:    op,
		Table: table,
		Key:   FormatKey(key),
		Err:   err,
	}
}

// DuplicateItemError is returned when a do-not-overwrite put collides with an existing item
type DuplicateItemError struct {
	Table string
	Key   map[string]types.AttributeValue
}

// Error implements the error interface
func (e *DuplicateItemError) Error() string {
	return fmt.Sprintf("dynaitem: item %s already exists in %s", FormatKey(e.Key), e.Table)
}

// Is reports ErrDuplicateItem as a match
func (e *DuplicateItemError) Is(target error) bool {
	return target == ErrDuplicateItem
}

// FormatKey renders string and number key attributes as name=value pairs in name order
func FormatKey(key map[string]types.AttributeValue) string {
	if len(key) == 0 {
		return ""
	}
	names := make([]string, 0, len(key))
	for name := range key {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		switch v := key[name].(type) {
		case *types.AttributeValueMemberS:
			parts = append(parts, name+"="+v.Value)
		case *types.AttributeValueMemberN:
			parts = append(parts, name+"="+v.Value)
		default:
			parts = append(parts, fmt.Sprintf("%s=%T", name, v))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// IsNotFound checks if an error indicates an item was not found
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}

// IsDuplicate checks if an error indicates a do-not-overwrite collision
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateItem)
}

// IsInvalidRequest checks if an error is a caller configuration error
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsConditionFailed checks if an error is a failed condition expression, either from a single-item
// write or from a transaction cancelled by a condition check.
func IsConditionFailed(err error) bool {
	if err == nil {
		return false
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		return len(ConditionFailedIndexes(canceled)) > 0
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ConditionalCheckFailedException"
	}
	return false
}

// ConditionFailedIndexes returns the positions of transaction items whose condition failed
func ConditionFailedIndexes(err *types.TransactionCanceledException) []int {
	if err == nil {
		return nil
	}
	var out []int
	for i, reason := range err.CancellationReasons {
		if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
			out = append(out, i)
		}
	}
	return out
}
