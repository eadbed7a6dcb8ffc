package dynaitem

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaitem/internal/expr"
	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/errors"
	"github.com/pay-theory/dynaitem/pkg/schema"
	"github.com/pay-theory/dynaitem/pkg/validation"
)

type opKind int

const (
	opSet opKind = iota
	opRemove
	opIncrement
	opAppend
	opRemoveIndex
)

type pendingOp struct {
	kind  opKind
	key   string
	parts []validation.PathPart
	op    expr.Operation
	// value placeholder and the value a full write materializes
	placeholder string
	value       types.AttributeValue
}

type pendingEncryption struct {
	name        string
	placeholder string
	plaintext   types.AttributeValue
}

// MutableItem accumulates changes to one item and renders them as a single update or put.
// Builder methods return the item for chaining; the first mistake is kept and reported when the
// write is resolved. A MutableItem is used for one write and then discarded.
type MutableItem struct {
	*Item

	builder        *expr.Builder
	ops            []pendingOp
	encrypted      []pendingEncryption
	condition      string
	doNotOverwrite bool
	replace        bool
	returnValues   types.ReturnValue
	err            error
}

// Mutator edits a MutableItem before it is written
type Mutator func(*MutableItem)

func newMutableItem(s *Session, key map[string]types.AttributeValue) *MutableItem {
	item := newItem(s, maps.Clone(key), true)
	return &MutableItem{
		Item:         item,
		builder:      expr.NewBuilder(),
		returnValues: types.ReturnValueAllNew,
	}
}

// Mutate returns a builder for the item with the given key. Call Save to write it.
func (s *Session) Mutate(pk, sk string) (*MutableItem, error) {
	key, err := s.Key(pk, sk)
	if err != nil {
		return nil, err
	}
	return newMutableItem(s, key), nil
}

// Err returns the first builder mistake, if any
func (m *MutableItem) Err() error { return m.err }

func (m *MutableItem) recordBuilderError(err error) {
	if m.err == nil && err != nil {
		m.err = err
	}
}

// writable parses key and rejects the primary key and the reserved index attribute namespace
func (m *MutableItem) writable(key string) ([]validation.PathPart, bool) {
	parts, err := validation.ParsePath(key)
	if err != nil {
		m.recordBuilderError(err)
		return nil, false
	}
	top := parts[0].Name
	if m.session.schema.IsKeyAttribute(top) || schema.IsGSIAttribute(top) {
		m.recordBuilderError(fmt.Errorf("%w: %s", errors.ErrReservedAttribute, top))
		return nil, false
	}
	return parts, true
}

// within reports whether path is key itself or nested under it
func within(path, key string) bool {
	return path == key || strings.HasPrefix(path, key+".") || strings.HasPrefix(path, key+"[")
}

// dropOps forgets earlier operations on key and on paths nested under it so the latest call wins
func (m *MutableItem) dropOps(key string) {
	m.ops = slices.DeleteFunc(m.ops, func(op pendingOp) bool { return within(op.key, key) })
	m.encrypted = slices.DeleteFunc(m.encrypted, func(e pendingEncryption) bool { return within(e.name, key) })
}

// underPending records an error when a pending operation already writes a parent of key.
// The store rejects overlapping document paths in one update.
func (m *MutableItem) underPending(key string) bool {
	for _, op := range m.ops {
		if op.key != key && within(key, op.key) {
			m.recordBuilderError(fmt.Errorf("%w: %s overlaps the pending change to %s", errors.ErrInvalidRequest, key, op.key))
			return true
		}
	}
	return false
}

func (m *MutableItem) findOp(key string, kind opKind) *pendingOp {
	for i := range m.ops {
		if m.ops[i].key == key && m.ops[i].kind == kind {
			return &m.ops[i]
		}
	}
	return nil
}

// Set assigns value to key. Dotted keys address nested map attributes. A nil value removes the
// attribute. Setting the same key again replaces the earlier assignment.
func (m *MutableItem) Set(key string, value types.AttributeValue) *MutableItem {
	parts, ok := m.writable(key)
	if !ok {
		return m
	}
	m.set(key, parts, value)
	return m
}

func (m *MutableItem) set(key string, parts []validation.PathPart, value types.AttributeValue) {
	if m.underPending(key) {
		return
	}
	alias, err := m.builder.Name(key)
	if err != nil {
		m.recordBuilderError(err)
		return
	}
	m.dropOps(key)

	if value == nil {
		m.ops = append(m.ops, pendingOp{
			kind:  opRemove,
			key:   key,
			parts: parts,
			op:    expr.Operation{Action: expr.ActionRemove, Clause: alias},
		})
		return
	}
	if err := attr.Validate(value); err != nil {
		m.recordBuilderError(fmt.Errorf("%w: %s: %v", errors.ErrInvalidRequest, key, err))
		return
	}

	placeholder := m.builder.Value(value)
	m.ops = append(m.ops, pendingOp{
		kind:        opSet,
		key:         key,
		parts:       parts,
		op:          expr.Operation{Action: expr.ActionSet, Clause: alias + " = " + placeholder},
		placeholder: placeholder,
		value:       value,
	})
}

// SetString assigns a string attribute
func (m *MutableItem) SetString(key, value string) *MutableItem {
	return m.Set(key, attr.S(value))
}

// SetInt assigns an integer number attribute
func (m *MutableItem) SetInt(key string, value int64) *MutableItem {
	return m.Set(key, attr.Int(value))
}

// SetFloat assigns a number attribute
func (m *MutableItem) SetFloat(key string, value float64) *MutableItem {
	return m.Set(key, attr.Float(value))
}

// SetBool assigns a boolean attribute
func (m *MutableItem) SetBool(key string, value bool) *MutableItem {
	return m.Set(key, attr.Bool(value))
}

// SetTime assigns a timestamp as an RFC 3339 string
func (m *MutableItem) SetTime(key string, value time.Time) *MutableItem {
	return Write(m, attr.TimeField(key), value)
}

// SetValue marshals any Go value with the attributevalue encoder and assigns it
func (m *MutableItem) SetValue(key string, value any) *MutableItem {
	av, err := attr.Marshal(value)
	if err != nil {
		m.recordBuilderError(fmt.Errorf("%w: %s: %v", errors.ErrInvalidRequest, key, err))
		return m
	}
	return m.Set(key, av)
}

// Write assigns a typed field
func Write[T any](m *MutableItem, field attr.Field[T], value T) *MutableItem {
	av, err := field.Encode(value)
	if err != nil {
		m.recordBuilderError(fmt.Errorf("%w: %s: %v", errors.ErrInvalidRequest, field.Name, err))
		return m
	}
	return m.Set(field.Name, av)
}

// Remove deletes an attribute
func (m *MutableItem) Remove(key string) *MutableItem {
	return m.Set(key, nil)
}

// Increment adds amount to a number attribute, creating it when absent. Repeated increments of
// the same key add up. A zero amount does nothing.
func (m *MutableItem) Increment(key string, amount int64) *MutableItem {
	return m.IncrementDecimal(key, strconv.FormatInt(amount, 10))
}

// IncrementDecimal is Increment with an exact decimal amount such as "0.25"
func (m *MutableItem) IncrementDecimal(key, amount string) *MutableItem {
	if attr.IsZero(amount) {
		return m
	}
	parts, ok := m.writable(key)
	if !ok {
		return m
	}
	if err := attr.Validate(attr.N(amount)); err != nil {
		m.recordBuilderError(fmt.Errorf("%w: %s: %v", errors.ErrInvalidRequest, key, err))
		return m
	}

	if existing := m.findOp(key, opIncrement); existing != nil {
		prev, _ := attr.AsNumber(existing.value)
		sum, err := attr.AddNumbers(prev, amount)
		if err != nil {
			m.recordBuilderError(fmt.Errorf("%w: %s: %v", errors.ErrInvalidRequest, key, err))
			return m
		}
		existing.value = attr.N(sum)
		m.builder.SetValue(existing.placeholder, existing.value)
		return m
	}
	if m.underPending(key) {
		return m
	}

	alias, err := m.builder.Name(key)
	if err != nil {
		m.recordBuilderError(err)
		return m
	}
	m.dropOps(key)
	value := attr.N(amount)
	placeholder := m.builder.Value(value)
	m.ops = append(m.ops, pendingOp{
		kind:        opIncrement,
		key:         key,
		parts:       parts,
		op:          expr.Operation{Action: expr.ActionAdd, Clause: alias + " " + placeholder},
		placeholder: placeholder,
		value:       value,
	})
	return m
}

// AddToList appends values to a list attribute, creating the list when absent. Repeated calls
// for the same key extend one list_append.
func (m *MutableItem) AddToList(key string, values ...types.AttributeValue) *MutableItem {
	if len(values) == 0 {
		return m
	}
	parts, ok := m.writable(key)
	if !ok {
		return m
	}

	if existing := m.findOp(key, opAppend); existing != nil {
		prev, _ := attr.AsList(existing.value)
		existing.value = attr.List(append(slices.Clone(prev), values...)...)
		m.builder.SetValue(existing.placeholder, existing.value)
		return m
	}
	if m.underPending(key) {
		return m
	}

	alias, err := m.builder.Name(key)
	if err != nil {
		m.recordBuilderError(err)
		return m
	}
	m.dropOps(key)
	empty := m.builder.Value(attr.List())
	value := attr.List(values...)
	placeholder := m.builder.Value(value)
	m.ops = append(m.ops, pendingOp{
		kind:  opAppend,
		key:   key,
		parts: parts,
		op: expr.Operation{
			Action: expr.ActionSet,
			Clause: alias + " = list_append(if_not_exists(" + alias + ", " + empty + "), " + placeholder + ")",
		},
		placeholder: placeholder,
		value:       value,
	})
	return m
}

// RemoveFromList removes the list element at index
func (m *MutableItem) RemoveFromList(key string, index int) *MutableItem {
	if index < 0 {
		m.recordBuilderError(fmt.Errorf("%w: negative list index %d", errors.ErrInvalidPath, index))
		return m
	}
	path := key + "[" + strconv.Itoa(index) + "]"
	parts, ok := m.writable(path)
	if !ok || m.underPending(path) {
		return m
	}
	alias, err := m.builder.Name(path)
	if err != nil {
		m.recordBuilderError(err)
		return m
	}
	m.dropOps(path)
	m.ops = append(m.ops, pendingOp{
		kind:  opRemoveIndex,
		key:   path,
		parts: parts,
		op:    expr.Operation{Action: expr.ActionRemove, Clause: alias},
	})
	return m
}

// SetGSI writes the key attributes of conventional index n ("_gsi{n}pk" and "_gsi{n}sk").
// An empty sk leaves the index sort key untouched.
func (m *MutableItem) SetGSI(n int, pk, sk string) *MutableItem {
	if n < 1 || pk == "" {
		m.recordBuilderError(fmt.Errorf("%w: gsi %d needs a positive number and a partition key", errors.ErrInvalidRequest, n))
		return m
	}
	pkName := schema.GSIPartitionKey(n)
	m.set(pkName, []validation.PathPart{{Name: pkName}}, attr.S(pk))
	if sk != "" {
		skName := schema.GSISortKey(n)
		m.set(skName, []validation.PathPart{{Name: skName}}, attr.S(sk))
	}
	return m
}

// SetTTL writes the schema's time-to-live attribute as epoch seconds. Without a TTL attribute in
// the schema it does nothing.
func (m *MutableItem) SetTTL(expires time.Time) *MutableItem {
	name := m.session.schema.TTLAttribute
	if name == "" {
		return m
	}
	return Write(m, attr.EpochField(name), expires)
}

// SetEncrypted assigns a top level attribute that is sealed with KMS envelope encryption when the
// write is resolved.
func (m *MutableItem) SetEncrypted(key string, value types.AttributeValue) *MutableItem {
	parts, ok := m.writable(key)
	if !ok {
		return m
	}
	if len(parts) != 1 || len(parts[0].Indexes) > 0 || value == nil {
		m.recordBuilderError(fmt.Errorf("%w: encrypted attribute %s must be a top level value", errors.ErrInvalidPath, key))
		return m
	}
	m.set(key, parts, value)
	if op := m.findOp(key, opSet); op != nil {
		m.encrypted = append(m.encrypted, pendingEncryption{name: key, placeholder: op.placeholder, plaintext: value})
	}
	return m
}

// Condition sets the condition expression from a caller fragment. Placeholders in the fragment
// are renamed into this item's namespace. A later condition call replaces the expression.
func (m *MutableItem) Condition(expression string, names map[string]string, values map[string]types.AttributeValue) *MutableItem {
	merged, err := m.builder.Merge(expression, names, values)
	if err != nil {
		m.recordBuilderError(err)
		return m
	}
	m.condition = merged
	return m
}

// ConditionBuilder sets the condition from the SDK expression builder
func (m *MutableItem) ConditionBuilder(cond expression.ConditionBuilder) *MutableItem {
	merged, err := m.builder.FromCondition(cond)
	if err != nil {
		m.recordBuilderError(err)
		return m
	}
	m.condition = merged
	return m
}

// ConditionAttributeEquals requires key to currently equal value
func (m *MutableItem) ConditionAttributeEquals(key string, value types.AttributeValue) *MutableItem {
	alias, err := m.builder.Name(key)
	if err != nil {
		m.recordBuilderError(err)
		return m
	}
	m.condition = alias + " = " + m.builder.Value(value)
	return m
}

// RequireAttributeExists requires key to be present
func (m *MutableItem) RequireAttributeExists(key string) *MutableItem {
	return m.existsCondition("attribute_exists", key)
}

// RequireAttributeNotExists requires key to be absent
func (m *MutableItem) RequireAttributeNotExists(key string) *MutableItem {
	return m.existsCondition("attribute_not_exists", key)
}

// MustExist requires the item itself to exist
func (m *MutableItem) MustExist() *MutableItem {
	return m.existsCondition("attribute_exists", m.session.schema.PartitionKey)
}

func (m *MutableItem) existsCondition(fn, key string) *MutableItem {
	alias, err := m.builder.Name(key)
	if err != nil {
		m.recordBuilderError(err)
		return m
	}
	m.condition = fn + "(" + alias + ")"
	return m
}

// DoNotOverwrite turns the write into a put that fails with ErrDuplicateItem when the item exists
func (m *MutableItem) DoNotOverwrite() *MutableItem {
	m.doNotOverwrite = true
	return m
}

// Replace turns the write into a put of the key plus every assigned attribute
func (m *MutableItem) Replace() *MutableItem {
	m.replace = true
	return m
}

// ReturnValues selects what an update returns. The default is ALL_NEW, which yields a loaded item;
// anything else yields an unloaded one.
func (m *MutableItem) ReturnValues(rv types.ReturnValue) *MutableItem {
	m.returnValues = rv
	return m
}

// Save writes the item through its session
func (m *MutableItem) Save(ctx context.Context) (*Item, error) {
	return m.session.save(ctx, m)
}

type writeKind int

const (
	writeNone writeKind = iota
	writePut
	writeUpdate
	writeDelete
	writeCheck
)

// writeRequest is a MutableItem resolved into store terms
type writeRequest struct {
	kind         writeKind
	key          map[string]types.AttributeValue
	item         map[string]types.AttributeValue
	update       string
	condition    string
	names        map[string]string
	values       map[string]types.AttributeValue
	returnValues types.ReturnValue
	// guarded is set when a do-not-overwrite existence guard was attached
	guarded       bool
	userCondition bool
}

func (m *MutableItem) resolve(ctx context.Context) (writeRequest, error) {
	if m.err != nil {
		return writeRequest{}, m.err
	}
	if err := m.encryptPending(ctx); err != nil {
		return writeRequest{}, err
	}

	req := writeRequest{
		key:           m.Key(),
		returnValues:  m.returnValues,
		userCondition: m.condition != "",
	}
	cond := m.condition

	if m.replace || m.doNotOverwrite {
		item, err := m.materialize()
		if err != nil {
			return writeRequest{}, err
		}
		if m.doNotOverwrite {
			alias, err := m.builder.Name(m.session.schema.PartitionKey)
			if err != nil {
				return writeRequest{}, err
			}
			cond = expr.And("attribute_not_exists("+alias+")", cond)
			req.guarded = true
		}
		req.kind = writePut
		req.item = item
	} else {
		ops := make([]expr.Operation, len(m.ops))
		for i, op := range m.ops {
			ops[i] = op.op
		}
		req.update = expr.BuildUpdate(ops)
		req.kind = writeUpdate
		if req.update == "" {
			req.kind = writeNone
			cond = ""
		}
	}

	if cond != "" {
		if err := validation.ValidateExpression(cond); err != nil {
			return writeRequest{}, err
		}
	}
	req.condition = cond
	req.names, req.values = m.builder.Prune(req.update, cond)
	return req, nil
}

// resolveCondition renders only the condition, for deletes and condition checks
func (m *MutableItem) resolveCondition(kind writeKind) (writeRequest, error) {
	if m.err != nil {
		return writeRequest{}, m.err
	}
	if len(m.ops) > 0 || len(m.encrypted) > 0 {
		return writeRequest{}, fmt.Errorf("%w: attribute changes cannot be applied by a delete or condition check", errors.ErrInvalidRequest)
	}
	req := writeRequest{
		kind:          kind,
		key:           m.Key(),
		condition:     m.condition,
		userCondition: m.condition != "",
	}
	req.names, req.values = m.builder.Prune(m.condition)
	return req, nil
}

func (m *MutableItem) encryptPending(ctx context.Context) error {
	if len(m.encrypted) == 0 {
		return nil
	}
	svc, err := m.session.encryptor(ctx)
	if err != nil {
		return err
	}
	for _, pending := range m.encrypted {
		envelope, err := svc.Encrypt(ctx, pending.name, pending.plaintext)
		if err != nil {
			return err
		}
		m.builder.SetValue(pending.placeholder, envelope)
		if op := m.findOp(pending.name, opSet); op != nil {
			op.value = envelope
		}
	}
	m.encrypted = nil
	return nil
}

// materialize builds the full item a put writes: the key plus every assigned value
func (m *MutableItem) materialize() (map[string]types.AttributeValue, error) {
	item := m.Key()
	for _, op := range m.ops {
		switch op.kind {
		case opSet, opIncrement, opAppend:
			if err := putNested(item, op.parts, op.value); err != nil {
				return nil, fmt.Errorf("%s: %w", op.key, err)
			}
		}
	}
	return item, nil
}

func putNested(item map[string]types.AttributeValue, parts []validation.PathPart, value types.AttributeValue) error {
	cur := item
	for i, part := range parts {
		if len(part.Indexes) > 0 {
			return fmt.Errorf("%w: list indexes cannot be written by a put", errors.ErrInvalidPath)
		}
		if i == len(parts)-1 {
			cur[part.Name] = value
			return nil
		}
		child, ok := cur[part.Name].(*types.AttributeValueMemberM)
		if !ok {
			child = &types.AttributeValueMemberM{Value: make(map[string]types.AttributeValue)}
			cur[part.Name] = child
		}
		cur = child.Value
	}
	return nil
}
