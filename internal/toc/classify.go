package toc

// Rule names the attribution rule that classified an entry.
type Rule int

// Attribution rules, in evaluation order.
const (
	RuleUnclassifiable Rule = iota
	RuleSchemaOrACL
	RuleSchemaComment
	RuleOperatorClass
	RuleTableData
	RuleSequence
	RuleFKConstraint
	RuleDefault
)

func (r Rule) String() string {
	switch r {
	case RuleSchemaOrACL:
		return "schema_or_acl"
	case RuleSchemaComment:
		return "schema_comment"
	case RuleOperatorClass:
		return "operator_class"
	case RuleTableData:
		return "table_data"
	case RuleSequence:
		return "sequence"
	case RuleFKConstraint:
		return "fk_constraint"
	case RuleDefault:
		return "default"
	default:
		return "unclassifiable"
	}
}

// Attribution is the result of classifying an entry: either Classified,
// with the schema it belongs to (and the table, for TABLE DATA), or
// Unclassifiable. Unclassifiable entries are always kept.
type Attribution struct {
	Rule   Rule
	Schema string
	Table  string
}

// Classified reports whether a schema could be attributed.
func (a Attribution) Classified() bool {
	return a.Rule != RuleUnclassifiable
}

// Classify attributes an entry to a schema using its four positional fields.
func Classify(e Entry) Attribution {
	if !e.Parsed {
		return Attribution{}
	}

	a, b, c, d := e.Fields[0], e.Fields[1], e.Fields[2], e.Fields[3]

	switch {
	case a == "ACL" || a == "SCHEMA":
		// 6893; 0 0 ACL - pgq postgres
		if b == "-" {
			return Attribution{Rule: RuleSchemaOrACL, Schema: c}
		}
		return Attribution{Rule: RuleSchemaOrACL, Schema: b}

	case a == "COMMENT":
		if b == "-" && c == "SCHEMA" {
			return Attribution{Rule: RuleSchemaComment, Schema: d}
		}
		// Comments on other objects skip straight to the last two rules.
		return classifyTail(a, b, c)

	case b == "CLASS":
		// 2647; 2616 1487309 OPERATOR CLASS public btree_ip4_ops postgres
		return Attribution{Rule: RuleOperatorClass, Schema: c}

	case b == "DATA":
		// 6662; 0 788811 TABLE DATA payment abocb_code payment
		return Attribution{Rule: RuleTableData, Schema: c, Table: d}

	case a == "SEQUENCE":
		switch {
		case b == "OWNED" && c == "BY":
			return Attribution{Rule: RuleSequence, Schema: d}
		case b == "SET":
			return Attribution{Rule: RuleSequence, Schema: c}
		default:
			return Attribution{Rule: RuleSequence, Schema: b}
		}
	}

	return classifyTail(a, b, c)
}

func classifyTail(a, b, c string) Attribution {
	if a == "FK" && b == "CONSTRAINT" {
		return Attribution{Rule: RuleFKConstraint, Schema: c}
	}
	return Attribution{Rule: RuleDefault, Schema: b}
}
