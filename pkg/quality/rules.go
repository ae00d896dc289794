package quality

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules are the tunable parameters of the quality sweep
type Rules struct {
	DuplicateKeys DuplicateKeyRule `yaml:"duplicate_keys"`
	Dishes        DishRule         `yaml:"dishes"`
	Names         NameRule         `yaml:"names"`
}

// DuplicateKeyRule folds live entities sharing an external key
type DuplicateKeyRule struct {
	Enabled  bool   `yaml:"enabled"`
	Strategy string `yaml:"strategy"`
}

// DishRule scores and filters recommended dishes
type DishRule struct {
	Enabled      bool     `yaml:"enabled"`
	MinLength    int      `yaml:"min_length"`
	LongLength   int      `yaml:"long_length"`
	ShortLength  int      `yaml:"short_length"`
	GenericTerms []string `yaml:"generic_terms"`
}

// NameRule replaces display names extracted as sentence fragments
type NameRule struct {
	Enabled bool     `yaml:"enabled"`
	Markers []string `yaml:"markers"`
}

// DefaultRules returns the built-in sweep parameters
func DefaultRules() Rules {
	return Rules{
		DuplicateKeys: DuplicateKeyRule{Enabled: true, Strategy: "engagement"},
		Dishes: DishRule{
			Enabled:     true,
			MinLength:   3,
			LongLength:  4,
			ShortLength: 2,
			GenericTerms: []string{
				"鸡", "面", "汤", "肉", "菜", "鱼", "虾", "饭",
				"rice", "noodle", "noodles", "chicken", "soup", "beef", "pork", "fish",
			},
		},
		Names: NameRule{
			Enabled: true,
			Markers: []string{"竟然", "这么", "一个", "系", "风格", "原来", "居然"},
		},
	}
}

// LoadRules overlays a YAML rules file onto the defaults. An empty path or a
// missing file yields the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return rules, nil
	}
	if err != nil {
		return rules, fmt.Errorf("failed to read quality rules %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("failed to parse quality rules %s: %w", path, err)
	}

	if rules.Dishes.MinLength < 0 || rules.Dishes.ShortLength < 0 || rules.Dishes.LongLength < rules.Dishes.ShortLength {
		return rules, fmt.Errorf("invalid dish lengths in %s: min=%d short=%d long=%d",
			path, rules.Dishes.MinLength, rules.Dishes.ShortLength, rules.Dishes.LongLength)
	}

	return rules, nil
}
