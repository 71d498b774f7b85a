package memory

import (
	"fmt"
	"strings"
)

// Category is the closed set of crystal categories.
type Category uint8

const (
	CategoryGeneral Category = iota
	CategoryMemoryArchitecture
	CategoryRelationalWisdom
	CategoryTechnicalLearning
	CategoryCreativeInsight
)

var categoryNames = [...]string{
	CategoryGeneral:            "general",
	CategoryMemoryArchitecture: "memory_architecture",
	CategoryRelationalWisdom:   "relational_wisdom",
	CategoryTechnicalLearning:  "technical_learning",
	CategoryCreativeInsight:    "creative_insight",
}

// Categories lists every category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryGeneral,
		CategoryMemoryArchitecture,
		CategoryRelationalWisdom,
		CategoryTechnicalLearning,
		CategoryCreativeInsight,
	}
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// ParseCategory resolves a category name.
func ParseCategory(s string) (Category, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range categoryNames {
		if n == name {
			return Category(i), nil
		}
	}
	return CategoryGeneral, &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", s)}
}

func (c Category) MarshalText() ([]byte, error) {
	if int(c) >= len(categoryNames) {
		return nil, fmt.Errorf("marshal category: invalid value %d", uint8(c))
	}
	return []byte(categoryNames[c]), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// categoryRule maps trigger words to a category. Rules are evaluated in
// order and the first rule matched by any insight wins.
type categoryRule struct {
	category Category
	keywords []string
}

var categoryRules = []categoryRule{
	{CategoryMemoryArchitecture, []string{"memory"}},
	{CategoryRelationalWisdom, []string{"relationship"}},
	{CategoryTechnicalLearning, []string{"technical"}},
	{CategoryCreativeInsight, []string{"creative"}},
}

// Categorize assigns a category from insight text.
func Categorize(insights []string) Category {
	lowered := make([]string, len(insights))
	for i, s := range insights {
		lowered[i] = strings.ToLower(s)
	}
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			for _, s := range lowered {
				if strings.Contains(s, kw) {
					return rule.category
				}
			}
		}
	}
	return CategoryGeneral
}
