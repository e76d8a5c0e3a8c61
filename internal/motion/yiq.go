package motion

// maxDelta is the largest value colorDelta can produce (pure black vs white).
const maxDelta = 35215.0

// colorDelta returns the perceptual YIQ distance between two RGB samples.
// The sign tells whether the second sample is lighter (negative) or darker
// (positive) than the first.
func colorDelta(r1, g1, b1, r2, g2, b2 uint8) float64 {
	dr := float64(r1) - float64(r2)
	dg := float64(g1) - float64(g2)
	db := float64(b1) - float64(b2)

	y := dr*0.29889531 + dg*0.58662247 + db*0.11448223
	i := dr*0.59597799 - dg*0.27417610 - db*0.32180189
	q := dr*0.21147017 - dg*0.52261711 + db*0.31114694

	delta := 0.5053*y*y + 0.299*i*i + 0.1957*q*q
	if y > 0 {
		return -delta
	}
	return delta
}

// deltaLimit converts a [0,1] threshold into the colorDelta magnitude above
// which a sample counts as different.
func deltaLimit(threshold float64) float64 {
	return maxDelta * threshold * threshold
}
