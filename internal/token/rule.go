package token

// RuleType selects how the value at a rule's paths is converted.
type RuleType string

const (
	RuleCallback RuleType = "callback"
	RuleRef      RuleType = "ref"
	RuleMap      RuleType = "map"
	RuleArray    RuleType = "array"
)

// ruleOrder is fixed so leaf conversions are never replaced by a broader
// structural rule on an ancestor.
var ruleOrder = []RuleType{RuleCallback, RuleRef, RuleMap, RuleArray}

// Rule declares which nested locations need non-data treatment.
type Rule struct {
	Type  RuleType
	Paths []Path
}

func CallbackRule(paths ...Path) Rule { return Rule{Type: RuleCallback, Paths: paths} }

func RefRule(paths ...Path) Rule { return Rule{Type: RuleRef, Paths: paths} }

func MapRule(paths ...Path) Rule { return Rule{Type: RuleMap, Paths: paths} }

func ArrayRule(paths ...Path) Rule { return Rule{Type: RuleArray, Paths: paths} }

// Token carries a value together with the rules for converting it. Method
// implementations return a Token when their result holds functions or
// opaque objects at known places.
type Token struct {
	Value any
	Rules []Rule
}

func Wrap(value any, rules ...Rule) Token {
	return Token{Value: value, Rules: rules}
}
