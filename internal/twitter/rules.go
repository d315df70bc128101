package twitter

import (
	"fmt"
	"strings"
)

// AccessLevel selects the filtered-stream quota tier of an API project.
type AccessLevel int

const (
	AccessEssential AccessLevel = iota
	AccessElevated
	AccessAcademic
)

// ruleLimitations is the maximum number of stream rules per tier.
var ruleLimitations = map[AccessLevel]int{
	AccessEssential: 5,
	AccessElevated:  25,
	AccessAcademic:  1000,
}

// ruleLengthLimitations is the maximum rule length in characters per tier.
var ruleLengthLimitations = map[AccessLevel]int{
	AccessEssential: 512,
	AccessElevated:  512,
	AccessAcademic:  1024,
}

// BuildStreamRules packs "from:" clauses for the given usernames into as
// few filtered-stream rules as fit the tier's length limit, greedily and in
// input order. Each rule is a parenthesized OR group with the shared filter
// appended. It fails when the usernames need more rules than the tier
// allows.
func BuildStreamRules(usernames []string, filter string, level AccessLevel) ([]string, error) {
	maxRules := ruleLimitations[level]
	maxLen := ruleLengthLimitations[level]
	// Budget for the wrapping parens and the filter suffix.
	placeholder := len("()") + len(filter)

	var (
		rules []string
		group []string
	)
	flush := func() {
		if len(group) == 0 {
			return
		}
		rules = append(rules, "("+strings.Join(group, " OR ")+")"+filter)
		group = group[:0]
	}
	for _, username := range usernames {
		clause := "from:" + username
		joined := len(clause)
		for _, g := range group {
			joined += len(g) + len(" OR ")
		}
		if len(group) > 0 && placeholder+joined > maxLen {
			flush()
		}
		group = append(group, clause)
	}
	flush()

	if len(rules) > maxRules {
		return nil, fmt.Errorf("twitter: %d usernames need %d stream rules, tier allows %d", len(usernames), len(rules), maxRules)
	}
	return rules, nil
}
