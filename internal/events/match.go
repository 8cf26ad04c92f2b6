package events

// Match reports whether path matches pattern. The pattern language is
// deliberately small: '*' matches any run of characters including '/',
// '?' matches exactly one character, and everything else matches
// itself. Matching backtracks to the most recent '*' on a mismatch, so
// patterns like "/tmp/*.log" behave as expected without pathological
// recursion.
func Match(pattern, path string) bool {
	px, sx := 0, 0
	starPx, starSx := -1, 0

	for sx < len(path) {
		switch {
		case px < len(pattern) && (pattern[px] == path[sx] || pattern[px] == '?'):
			px++
			sx++
		case px < len(pattern) && pattern[px] == '*':
			// Tentatively match zero characters; remember where to
			// resume if that fails.
			starPx = px
			starSx = sx
			px++
		case starPx >= 0:
			// Mismatch after a star: widen the star by one character.
			starSx++
			px = starPx + 1
			sx = starSx
		default:
			return false
		}
	}

	// Only trailing stars may remain unconsumed.
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
