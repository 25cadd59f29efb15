package replayer

// MultisetDifference returns the elements of a that have no counterpart in
// b, honouring multiplicity: each element of b cancels at most one equal
// element of a. The order of a is preserved.
func MultisetDifference[T any](a, b []T, eq func(x, y T) bool) []T {
	used := make([]bool, len(b))
	var out []T
outer:
	for _, x := range a {
		for j, y := range b {
			if !used[j] && eq(x, y) {
				used[j] = true
				continue outer
			}
		}
		out = append(out, x)
	}
	return out
}
