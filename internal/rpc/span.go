package rpc

// Span partitions total nodes into at most width contiguous branches whose
// sizes differ by at most one. span[i] is the number of nodes the head of
// branch i forwards to, so branch i holds span[i]+1 nodes. A non-positive
// width falls back to DefaultTreeWidth.
func Span(total, width int) []int {
	if total <= 0 {
		return nil
	}
	if width <= 0 {
		width = DefaultTreeWidth
	}
	branches := min(total, width)
	span := make([]int, branches)
	if total <= width {
		return span
	}
	size, extra := total/branches, total%branches
	for i := range span {
		span[i] = size - 1
		if i < extra {
			span[i]++
		}
	}
	return span
}
