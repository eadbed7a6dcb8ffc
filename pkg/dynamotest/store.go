// Package dynamotest provides an in-memory DynamoDB store for tests. It understands the
// expression grammar dynaitem emits, keeps items sorted by sort key in a btree per partition
// and reports failures with the same error types as the service.
package dynamotest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/btree"

	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/core"
	"github.com/pay-theory/dynaitem/pkg/schema"
)

const maxItemSize = 400 * 1024

var (
	_ core.DynamoDBAPI = (*Store)(nil)
	_ schema.TableAPI  = (*Store)(nil)
)

// Store is an in-memory table store safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	tables     map[string]*table
	calls      map[string]int
	batchLimit int
}

type table struct {
	schema schema.TableSchema
	// partition key -> rows ordered by sort key
	partitions map[string]*btree.BTreeG[*row]
}

type row struct {
	sk   types.AttributeValue
	item document
}

func lessRow(l, r *row) bool {
	if l.sk == nil || r.sk == nil {
		return false
	}
	cmp, _ := attr.Compare(l.sk, r.sk)
	return cmp < 0
}

// NewStore returns a store with the given tables already created
func NewStore(schemas ...schema.TableSchema) *Store {
	s := &Store{
		tables: make(map[string]*table),
		calls:  make(map[string]int),
	}
	for _, sc := range schemas {
		s.tables[sc.TableName] = newTable(sc)
	}
	return s
}

func newTable(sc schema.TableSchema) *table {
	return &table{
		schema:     sc,
		partitions: make(map[string]*btree.BTreeG[*row]),
	}
}

// SetBatchLimit caps how many keys or writes one batch call processes. The remainder is
// returned as unprocessed. Zero removes the cap.
func (s *Store) SetBatchLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchLimit = n
}

// Calls returns how many times the named operation, for example "GetItem", was invoked
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Items returns a copy of every item in the table, ordered by partition then sort key
func (s *Store) Items(tableName string) []map[string]types.AttributeValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil
	}
	var out []map[string]types.AttributeValue
	for _, item := range t.all() {
		out = append(out, cloneDocument(item))
	}
	return out
}

func (s *Store) begin(op string) {
	s.mu.Lock()
	s.calls[op]++
}

func (s *Store) getTable(name *string) (*table, error) {
	if name == nil || *name == "" {
		return nil, validationError("1 validation error detected: Value null at 'tableName' failed to satisfy constraint: Member must not be null")
	}
	t, ok := s.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: Table: " + *name + " not found")}
	}
	return t, nil
}

func validationError(format string, args ...any) error {
	return &smithy.GenericAPIError{
		Code:    "ValidationException",
		Message: fmt.Sprintf(format, args...),
		Fault:   smithy.FaultClient,
	}
}

func conditionFailed(old document, returnOld bool) error {
	err := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if returnOld && old != nil {
		err.Item = cloneDocument(old)
	}
	return err
}

func (t *table) all() []document {
	keys := make([]string, 0, len(t.partitions))
	for k := range t.partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []document
	for _, k := range keys {
		t.partitions[k].Ascend(func(r *row) bool {
			out = append(out, r.item)
			return true
		})
	}
	return out
}

// extractKey validates that key holds exactly the table's key attributes
func (t *table) extractKey(key document) (string, types.AttributeValue, error) {
	want := 1
	if t.schema.HasSortKey() {
		want = 2
	}
	if len(key) != want {
		return "", nil, validationError("The provided key element does not match the schema")
	}
	return t.keyOf(key)
}

func (t *table) keyOf(item document) (string, types.AttributeValue, error) {
	pk, ok := item[t.schema.PartitionKey]
	if !ok {
		return "", nil, validationError("One or more parameter values were invalid: Missing the key %s in the item", t.schema.PartitionKey)
	}
	pkStr, err := keyValue(t.schema.PartitionKey, pk)
	if err != nil {
		return "", nil, err
	}
	if !t.schema.HasSortKey() {
		return pkStr, nil, nil
	}
	sk, ok := item[t.schema.SortKey]
	if !ok {
		return "", nil, validationError("One or more parameter values were invalid: Missing the key %s in the item", t.schema.SortKey)
	}
	if _, err := keyValue(t.schema.SortKey, sk); err != nil {
		return "", nil, err
	}
	return pkStr, sk, nil
}

func keyValue(name string, av types.AttributeValue) (string, error) {
	s, ok := attr.AsString(av)
	if !ok {
		return "", validationError("One or more parameter values were invalid: Type mismatch for key %s expected: S actual: %s", name, attr.KindOf(av))
	}
	if s == "" {
		return "", validationError("One or more parameter values are not valid. The AttributeValue for a key attribute cannot contain an empty string value. Key: %s", name)
	}
	return s, nil
}

func (t *table) get(key document) (document, error) {
	pk, sk, err := t.keyOf(key)
	if err != nil {
		return nil, err
	}
	tree, ok := t.partitions[pk]
	if !ok {
		return nil, nil
	}
	r, found := tree.Get(&row{sk: sk})
	if !found {
		return nil, nil
	}
	return r.item, nil
}

func (t *table) put(item document) {
	pk, sk, _ := t.keyOf(item)
	tree, ok := t.partitions[pk]
	if !ok {
		tree = btree.NewG(2, lessRow)
		t.partitions[pk] = tree
	}
	tree.ReplaceOrInsert(&row{sk: sk, item: item})
}

func (t *table) remove(key document) {
	pk, sk, err := t.keyOf(key)
	if err != nil {
		return
	}
	tree, ok := t.partitions[pk]
	if !ok {
		return
	}
	tree.Delete(&row{sk: sk})
	if tree.Len() == 0 {
		delete(t.partitions, pk)
	}
}

func (t *table) keyAttributes(item document) document {
	key := document{t.schema.PartitionKey: item[t.schema.PartitionKey]}
	if t.schema.HasSortKey() {
		key[t.schema.SortKey] = item[t.schema.SortKey]
	}
	return key
}

// validateItem checks key and index key types, attribute values and item size
func (t *table) validateItem(item document) error {
	if _, _, err := t.keyOf(item); err != nil {
		return err
	}
	for _, idx := range t.schema.Indexes {
		for _, name := range []string{idx.PartitionKey, idx.SortKey} {
			if name == "" {
				continue
			}
			if av, ok := item[name]; ok {
				if _, err := keyValue(name, av); err != nil {
					return validationError("One or more parameter values were invalid: Type mismatch for Index Key %s Expected: S Actual: %s IndexName: %s", name, attr.KindOf(av), idx.Name)
				}
			}
		}
	}
	for name, av := range item {
		if err := attr.Validate(av); err != nil {
			return validationError("One or more parameter values were invalid: attribute %s: %v", name, err)
		}
	}
	data, err := attr.MarshalMapJSON(item)
	if err == nil && len(data) > maxItemSize {
		return validationError("Item size has exceeded the maximum allowed size")
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`[#:][A-Za-z0-9_]+`)

// checkPlaceholders rejects empty maps and definitions no expression uses
func checkPlaceholders(names map[string]string, values map[string]types.AttributeValue, exprs ...*string) error {
	if names != nil && len(names) == 0 {
		return validationError("ExpressionAttributeNames must not be empty")
	}
	if values != nil && len(values) == 0 {
		return validationError("ExpressionAttributeValues must not be empty")
	}

	used := map[string]bool{}
	for _, e := range exprs {
		if e == nil {
			continue
		}
		for _, ph := range placeholderPattern.FindAllString(*e, -1) {
			used[ph] = true
		}
	}

	var unusedNames, unusedValues []string
	for ph := range names {
		if !used[ph] {
			unusedNames = append(unusedNames, ph)
		}
	}
	for ph := range values {
		if !used[ph] {
			unusedValues = append(unusedValues, ph)
		}
	}
	if len(unusedNames) > 0 {
		sort.Strings(unusedNames)
		return validationError("Value provided in ExpressionAttributeNames unused in expressions: keys: {%s}", strings.Join(unusedNames, ", "))
	}
	if len(unusedValues) > 0 {
		sort.Strings(unusedValues)
		return validationError("Value provided in ExpressionAttributeValues unused in expressions: keys: {%s}", strings.Join(unusedValues, ", "))
	}
	return nil
}

func compileCondition(expr *string, names map[string]string, values map[string]types.AttributeValue) (condition, error) {
	if expr == nil {
		return nil, nil
	}
	if strings.TrimSpace(*expr) == "" {
		return nil, validationError("Invalid ConditionExpression: The expression can not be empty;")
	}
	c, err := parseCondition(*expr, names, values)
	if err != nil {
		return nil, validationError("Invalid ConditionExpression: %v", err)
	}
	return c, nil
}

// CreateTable registers a table from its key schema and secondary indexes
func (s *Store) CreateTable(_ context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	s.begin("CreateTable")
	defer s.mu.Unlock()

	name := aws.ToString(params.TableName)
	if name == "" {
		return nil, validationError("TableName must not be empty")
	}
	if _, exists := s.tables[name]; exists {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists: " + name)}
	}

	pk, sk := keyNames(params.KeySchema)
	if pk == "" {
		return nil, validationError("No Hash Key specified in schema")
	}
	sc := schema.New(name, pk, sk)
	for _, gsi := range params.GlobalSecondaryIndexes {
		ipk, isk := keyNames(gsi.KeySchema)
		sc = sc.WithIndex(schema.Index{Name: aws.ToString(gsi.IndexName), Type: schema.GlobalIndex, PartitionKey: ipk, SortKey: isk})
	}
	for _, lsi := range params.LocalSecondaryIndexes {
		ipk, isk := keyNames(lsi.KeySchema)
		sc = sc.WithIndex(schema.Index{Name: aws.ToString(lsi.IndexName), Type: schema.LocalIndex, PartitionKey: ipk, SortKey: isk})
	}

	s.tables[name] = newTable(sc)
	return &dynamodb.CreateTableOutput{TableDescription: describe(sc)}, nil
}

// DescribeTable reports an existing table as ACTIVE
func (s *Store) DescribeTable(_ context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	s.begin("DescribeTable")
	defer s.mu.Unlock()

	t, err := s.getTable(params.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: describe(t.schema)}, nil
}

func keyNames(elems []types.KeySchemaElement) (pk, sk string) {
	for _, e := range elems {
		switch e.KeyType {
		case types.KeyTypeHash:
			pk = aws.ToString(e.AttributeName)
		case types.KeyTypeRange:
			sk = aws.ToString(e.AttributeName)
		}
	}
	return pk, sk
}

func describe(sc schema.TableSchema) *types.TableDescription {
	input := sc.CreateTableInput()
	return &types.TableDescription{
		TableName:            input.TableName,
		TableStatus:          types.TableStatusActive,
		KeySchema:            input.KeySchema,
		AttributeDefinitions: input.AttributeDefinitions,
	}
}
