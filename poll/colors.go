package poll

import (
	"math"
	"math/rand"
	"time"
)

// palette source for the default engine; only touched from the loop goroutine.
//
//nolint:gosec // G404: math/rand is sufficient for palette colors, not used for security
var paletteRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// randomColor draws one palette entry for a newly observed folder: any hue,
// high saturation, mid luminance, so adjacent folders stay visually distinct
// against Discord's dark and light themes. Packed as r<<16|g<<8|b.
//
//nolint:gosec // G404: math/rand is sufficient for palette colors, not used for security
func randomColor(rng *rand.Rand) int {
	h := rng.Float64() * 360
	s := 0.7 + rng.Float64()*0.3
	l := 0.45 + rng.Float64()*0.15
	r, g, b := hslToRGB(h, s, l)
	return r<<16 | g<<8 | b
}

func hslToRGB(h, s, l float64) (int, int, int) {
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	channel := func(v float64) int {
		n := int(math.Round((v + m) * 255))
		if n < 0 {
			return 0
		}
		if n > 255 {
			return 255
		}
		return n
	}
	return channel(r), channel(g), channel(b)
}
