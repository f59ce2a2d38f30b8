package extraction

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Role is the meaning a header column can take.
type Role string

const (
	RoleQuestion Role = "question"
	RoleCategory Role = "category"
	RoleAnswer   Role = "answer"
	RoleScore    Role = "score"
)

// Rule maps header labels matching Pattern to Role. Rules are evaluated in
// table order and the first matching rule whose role is still open claims the
// column. Question rules always claim; Prefer marks labels that take over the
// question column from an earlier match, which then becomes the item column.
type Rule struct {
	Role    Role    `yaml:"role"`
	Pattern string  `yaml:"pattern"`
	Weight  float64 `yaml:"weight"`
	Prefer  string  `yaml:"prefer,omitempty"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	re     *regexp.Regexp
	prefer *regexp.Regexp
}

// Rules is a compiled header-rule table.
type Rules struct {
	rules []compiledRule
}

const defaultRulesYAML = `
rules:
  - role: question
    pattern: "(?i)(question|item|specifics|description|requirement|control|query|ask|detail)"
    weight: 0.2
    prefer: "(?i)specifics"
  - role: category
    pattern: "(?i)(category|section|domain|area|group|topic)"
    weight: 0.1
  - role: answer
    pattern: "(?i)(answer|response|vendor.*(comment|response|note)|comment|note|evidence)"
    weight: 0.3
  - role: score
    pattern: "(?i)(score|rating|weighting|weight|vendor.*supplied|rag)"
    weight: 0.1
`

// DefaultRules returns the built-in header-rule table.
func DefaultRules() *Rules {
	r, err := ParseRules([]byte(defaultRulesYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in extraction rules: %v", err))
	}
	return r
}

// LoadRules reads a rule table from a YAML file. An empty path returns the
// built-in table.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading extraction rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules compiles a YAML rule table. The table must contain at least one
// question rule.
func ParseRules(data []byte) (*Rules, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing extraction rules: %w", err)
	}

	out := &Rules{}
	hasQuestion := false
	for i, r := range f.Rules {
		switch r.Role {
		case RoleQuestion:
			hasQuestion = true
		case RoleCategory, RoleAnswer, RoleScore:
		default:
			return nil, fmt.Errorf("rule %d: unknown role %q", i, r.Role)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compiling pattern: %w", i, err)
		}
		cr := compiledRule{Rule: r, re: re}
		if r.Prefer != "" {
			if cr.prefer, err = regexp.Compile(r.Prefer); err != nil {
				return nil, fmt.Errorf("rule %d: compiling prefer pattern: %w", i, err)
			}
		}
		out.rules = append(out.rules, cr)
	}
	if !hasQuestion {
		return nil, fmt.Errorf("extraction rules need a %q rule", RoleQuestion)
	}
	return out, nil
}
