package dynaitem

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaitem/internal/expr"
	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/cursor"
	"github.com/pay-theory/dynaitem/pkg/errors"
	"github.com/pay-theory/dynaitem/pkg/schema"
)

type sortOp int

const (
	sortEquals sortOp = iota + 1
	sortBeginsWith
	sortBetween
	sortLess
	sortLessOrEqual
	sortGreater
	sortGreaterOrEqual
)

var sortOperators = map[sortOp]string{
	sortEquals:         "=",
	sortLess:           "<",
	sortLessOrEqual:    "<=",
	sortGreater:        ">",
	sortGreaterOrEqual: ">=",
}

type sortCondition struct {
	op     sortOp
	values []string
}

// Query reads items by partition key, optionally narrowed by one sort key predicate, or scans the
// whole table. Configure it with the chained builder methods, then run it once with Page, Items,
// Collect or Delete. Builder mistakes are reported by the terminal call.
type Query struct {
	session *Session
	builder *expr.Builder

	scan         bool
	index        *schema.Index
	partitionKey string
	sortKey      string
	pk           string

	sort       *sortCondition
	filters    []string
	attributes []string
	limit      int32
	reverse    bool
	consistent bool
	startKey   map[string]types.AttributeValue
	segment    int32
	segments   int32
	keysOnly   bool

	executed   atomic.Bool
	builderErr error
}

// Query starts a query for the items under one partition key
func (s *Session) Query(pk string) *Query {
	q := s.newQuery()
	q.pk = pk
	if pk == "" {
		q.recordBuilderError(fmt.Errorf("%w: %s", errors.ErrMissingKey, s.schema.PartitionKey))
	}
	return q
}

// QueryIndex starts a query against a registered secondary index
func (s *Session) QueryIndex(name, pk string) *Query {
	q := s.Query(pk)
	idx, err := s.index(name)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.index = &idx
	q.partitionKey = idx.PartitionKey
	q.sortKey = idx.SortKey
	return q
}

// QueryGSI queries conventional index n, the one written by MutableItem.SetGSI
func (s *Session) QueryGSI(n int, pk string) *Query {
	return s.QueryIndex(schema.GSI(n).Name, pk)
}

// Scan starts a full table scan. Sort key predicates are not allowed on a scan.
func (s *Session) Scan() *Query {
	q := s.newQuery()
	q.scan = true
	return q
}

// ScanIndex scans a registered secondary index
func (s *Session) ScanIndex(name string) *Query {
	q := s.Scan()
	idx, err := s.index(name)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.index = &idx
	q.partitionKey = idx.PartitionKey
	q.sortKey = idx.SortKey
	return q
}

func (s *Session) newQuery() *Query {
	return &Query{
		session:      s,
		builder:      expr.NewBuilder(),
		partitionKey: s.schema.PartitionKey,
		sortKey:      s.schema.SortKey,
	}
}

func (q *Query) recordBuilderError(err error) {
	if err != nil && q.builderErr == nil {
		q.builderErr = err
	}
}

func (q *Query) setSort(op sortOp, values ...string) *Query {
	switch {
	case q.scan:
		q.recordBuilderError(fmt.Errorf("%w: sort key predicate on a scan", errors.ErrInvalidRequest))
	case q.sortKey == "":
		q.recordBuilderError(fmt.Errorf("%w: %s", errors.ErrNoSortKey, q.target()))
	case q.sort != nil:
		q.recordBuilderError(errors.ErrDuplicateSortCondition)
	default:
		q.sort = &sortCondition{op: op, values: values}
	}
	return q
}

// SKEquals matches the sort key exactly
func (q *Query) SKEquals(v string) *Query { return q.setSort(sortEquals, v) }

// SKBeginsWith matches sort keys starting with prefix
func (q *Query) SKBeginsWith(prefix string) *Query { return q.setSort(sortBeginsWith, prefix) }

// SKBetween matches sort keys in the inclusive range [low, high]
func (q *Query) SKBetween(low, high string) *Query { return q.setSort(sortBetween, low, high) }

func (q *Query) SKLessThan(v string) *Query       { return q.setSort(sortLess, v) }
func (q *Query) SKLessOrEqual(v string) *Query    { return q.setSort(sortLessOrEqual, v) }
func (q *Query) SKGreaterThan(v string) *Query    { return q.setSort(sortGreater, v) }
func (q *Query) SKGreaterOrEqual(v string) *Query { return q.setSort(sortGreaterOrEqual, v) }

// Filter adds a filter expression fragment. Its placeholders are renamed so fragments never
// collide; several filters are ANDed.
func (q *Query) Filter(expression string, names map[string]string, values map[string]types.AttributeValue) *Query {
	merged, err := q.builder.Merge(expression, names, values)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.filters = append(q.filters, merged)
	return q
}

// FilterCondition adds a filter built with the SDK expression builder
func (q *Query) FilterCondition(cond expression.ConditionBuilder) *Query {
	merged, err := q.builder.FromCondition(cond)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.filters = append(q.filters, merged)
	return q
}

// Select limits the attributes read. Key attributes are always included. Items read with a
// projection are not loaded and fetch the rest of their attributes on demand.
func (q *Query) Select(attributes ...string) *Query {
	q.attributes = append(q.attributes, attributes...)
	return q
}

// Limit sets how many items the store evaluates per page
func (q *Query) Limit(n int) *Query {
	if n < 0 || n > math.MaxInt32 {
		q.recordBuilderError(fmt.Errorf("%w: limit %d out of range", errors.ErrInvalidRequest, n))
		return q
	}
	q.limit = int32(n)
	return q
}

// Reverse returns items in descending sort key order
func (q *Query) Reverse() *Query {
	q.reverse = true
	return q
}

// ConsistentRead selects strongly consistent reads. Global indexes do not support them.
func (q *Query) ConsistentRead() *Query {
	q.consistent = true
	return q
}

// StartFrom resumes from a token returned by Page
func (q *Query) StartFrom(token string) *Query {
	key, err := cursor.Decode(token)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.startKey = key
	return q
}

// Segments splits a scan into n segments read concurrently by Items, Collect and Delete
func (q *Query) Segments(n int) *Query {
	return q.setSegment(0, n, true)
}

// Segment restricts a scan to segment i of n, for callers that distribute segments themselves
func (q *Query) Segment(i, n int) *Query {
	return q.setSegment(i, n, false)
}

func (q *Query) setSegment(i, n int, all bool) *Query {
	if !q.scan {
		q.recordBuilderError(fmt.Errorf("%w: segments apply only to scans", errors.ErrInvalidRequest))
		return q
	}
	if n < 1 || i < 0 || i >= n {
		q.recordBuilderError(fmt.Errorf("%w: segment %d of %d", errors.ErrInvalidRequest, i, n))
		return q
	}
	q.segments = int32(n)
	q.segment = int32(i)
	if all && n > 1 {
		q.segment = -1
	}
	return q
}

func (q *Query) parallel() bool {
	return q.scan && q.segment < 0 && q.segments > 1
}

func (q *Query) target() string {
	if q.index != nil {
		return "index " + q.index.Name
	}
	return "table " + q.session.schema.TableName
}

// keyCondition renders the partition equality and the optional sort key predicate
func (q *Query) keyCondition() (string, error) {
	pkAlias, err := q.builder.Name(q.partitionKey)
	if err != nil {
		return "", err
	}
	cond := pkAlias + " = " + q.builder.Value(attr.S(q.pk))
	if q.sort == nil {
		return cond, nil
	}

	skAlias, err := q.builder.Name(q.sortKey)
	if err != nil {
		return "", err
	}
	var sk string
	switch q.sort.op {
	case sortBeginsWith:
		sk = "begins_with(" + skAlias + ", " + q.builder.Value(attr.S(q.sort.values[0])) + ")"
	case sortBetween:
		low := q.builder.Value(attr.S(q.sort.values[0]))
		high := q.builder.Value(attr.S(q.sort.values[1]))
		sk = skAlias + " BETWEEN " + low + " AND " + high
	default:
		sk = skAlias + " " + sortOperators[q.sort.op] + " " + q.builder.Value(attr.S(q.sort.values[0]))
	}
	return cond + " AND " + sk, nil
}

func (q *Query) filterExpression() string {
	return expr.And(q.filters...)
}

func (q *Query) projection() (string, error) {
	if len(q.attributes) == 0 && !q.keysOnly {
		return "", nil
	}
	projection, err := q.session.projection(q.builder, q.attributes)
	if err != nil {
		return "", err
	}
	if q.index != nil {
		// index keys are part of LastEvaluatedKey for index reads
		extra := []string{q.index.PartitionKey}
		if q.index.HasSortKey() {
			extra = append(extra, q.index.SortKey)
		}
		for _, name := range extra {
			if q.session.schema.IsKeyAttribute(name) || slices.Contains(q.attributes, name) {
				continue
			}
			alias, err := q.builder.Name(name)
			if err != nil {
				return "", err
			}
			projection += ", " + alias
		}
	}
	return projection, nil
}

// loadsFully reports whether rows carry every attribute of the item
func (q *Query) loadsFully() bool {
	if len(q.attributes) > 0 {
		return false
	}
	return q.index == nil || q.index.Projection == "" || strings.EqualFold(q.index.Projection, "ALL")
}
