package kvcache

import (
	"fmt"
	"regexp"

	"github.com/23skdu/longbow-beamkv/internal/config"
)

var verbPattern = regexp.MustCompile(`%(%|[-+# 0]*[0-9]*(\.[0-9]+)?[a-zA-Z])`)

// checkTemplate accepts a name template with exactly one integer verb,
// which receives the layer index. Literal %% is allowed.
func checkTemplate(t string) error {
	ints := 0
	for _, m := range verbPattern.FindAllString(t, -1) {
		switch m[len(m)-1] {
		case '%':
		case 'd':
			ints++
		default:
			return fmt.Errorf("%w: name template %q: unsupported verb %s", config.ErrInvalidConfig, t, m)
		}
	}
	if ints != 1 {
		return fmt.Errorf("%w: name template %q: want one layer index verb, found %d", config.ErrInvalidConfig, t, ints)
	}
	return nil
}

// expandNames formats every template for every layer, layer-major, so the
// name for slot layer*len(templates)+k comes from templates[k].
func expandNames(templates []string, layers int) ([]string, error) {
	for _, t := range templates {
		if err := checkTemplate(t); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, layers*len(templates))
	seen := make(map[string]struct{}, cap(names))
	for i := 0; i < layers; i++ {
		for _, t := range templates {
			n := fmt.Sprintf(t, i)
			if _, dup := seen[n]; dup {
				return nil, fmt.Errorf("%w: duplicate tensor name %q", config.ErrInvalidConfig, n)
			}
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	return names, nil
}
