package tree

// Ranks form a k-ary tree rooted at rank 0.

func parentOf(rank, fanout int) int {
	if rank <= 0 {
		return -1
	}
	return (rank - 1) / fanout
}

func childrenOf(rank, size, fanout int) []int {
	out := make([]int, 0, fanout)
	for i := 1; i <= fanout; i++ {
		c := rank*fanout + i
		if c >= size {
			break
		}
		out = append(out, c)
	}
	return out
}

// subtreeOf lists rank and all of its descendants in ascending order.
func subtreeOf(rank, size, fanout int) []int {
	out := []int{}
	level := []int{rank}
	for len(level) > 0 {
		out = append(out, level...)
		next := []int{}
		for _, r := range level {
			next = append(next, childrenOf(r, size, fanout)...)
		}
		level = next
	}
	return out
}
