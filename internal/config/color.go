package config

import (
	"fmt"
	"strconv"
	"strings"
)

// RGBA is an 8-bit color with alpha.
type RGBA struct {
	R, G, B, A uint8
}

func (c RGBA) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseRGBA parses "(r, g, b)" or "(r, g, b, a)" tuples. Parentheses are
// optional; each component must be an integer in 0..255. Alpha defaults
// to 255.
func ParseRGBA(v string) (RGBA, error) {
	s := strings.TrimSpace(v)
	if strings.HasPrefix(s, "(") != strings.HasSuffix(s, ")") {
		return RGBA{}, fmt.Errorf("color %q: unbalanced parentheses", v)
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	parts := strings.Split(s, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return RGBA{}, fmt.Errorf("color %q: want 3 or 4 components, got %d", v, len(parts))
	}
	var comps [4]uint8
	comps[3] = 255
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return RGBA{}, fmt.Errorf("color %q: component %d: %w", v, i, err)
		}
		if n < 0 || n > 255 {
			return RGBA{}, fmt.Errorf("color %q: component %d out of range: %d", v, i, n)
		}
		comps[i] = uint8(n)
	}
	return RGBA{R: comps[0], G: comps[1], B: comps[2], A: comps[3]}, nil
}
