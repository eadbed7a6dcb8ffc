package expr

import "strings"

// Action is the clause an update operation belongs to
type Action int

const (
	ActionSet Action = iota
	ActionRemove
	ActionAdd
)

func (a Action) String() string {
	switch a {
	case ActionSet:
		return "SET"
	case ActionRemove:
		return "REMOVE"
	case ActionAdd:
		return "ADD"
	default:
		return "UNKNOWN"
	}
}

// Operation is one rendered update clause, such as "#n1 = :v2" for SET, "#n1" for REMOVE or
// "#n1 :v2" for ADD.
type Operation struct {
	Action Action
	Clause string
}

// BuildUpdate groups operations into "SET a, b REMOVE c ADD d". Groups appear in SET, REMOVE,
// ADD order regardless of the order operations were added; within a group order is preserved.
func BuildUpdate(ops []Operation) string {
	grouped := make(map[Action][]string, 3)
	for _, op := range ops {
		grouped[op.Action] = append(grouped[op.Action], op.Clause)
	}

	var parts []string
	for _, action := range []Action{ActionSet, ActionRemove, ActionAdd} {
		if clauses := grouped[action]; len(clauses) > 0 {
			parts = append(parts, action.String()+" "+strings.Join(clauses, ", "))
		}
	}
	return strings.Join(parts, " ")
}

// And joins non-empty condition fragments with AND, parenthesizing each when there is more than one
func And(conds ...string) string {
	var nonEmpty []string
	for _, c := range conds {
		if c != "" {
			nonEmpty = append(nonEmpty, c)
		}
	}
	if len(nonEmpty) < 2 {
		return strings.Join(nonEmpty, "")
	}
	for i, c := range nonEmpty {
		nonEmpty[i] = "(" + c + ")"
	}
	return strings.Join(nonEmpty, " AND ")
}
