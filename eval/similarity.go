package eval

import "sort"

// Ratio returns the Ratcliff/Obershelp similarity of a and b in [0, 1]:
// twice the number of matched runes over the total rune count. It is not
// symmetric. Two empty strings are identical.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	m := newMatcher(ra, rb)
	matched := 0
	for _, blk := range m.matchingBlocks() {
		matched += blk.size
	}
	return 2 * float64(matched) / float64(total)
}

type block struct{ i, j, size int }

type matcher struct {
	a, b []rune
	b2j  map[rune][]int
}

func newMatcher(a, b []rune) *matcher {
	m := &matcher{a: a, b: b, b2j: make(map[rune][]int)}
	for j, r := range b {
		m.b2j[r] = append(m.b2j[r], j)
	}
	// Runes making up more than 1% of a long b are too common to anchor on.
	if n := len(b); n >= 200 {
		popular := n/100 + 1
		for r, idx := range m.b2j {
			if len(idx) > popular {
				delete(m.b2j, r)
			}
		}
	}
	return m
}

// longest finds the longest block a[alo:ahi] == b[blo:bhi], earliest in a
// and then in b on ties.
func (m *matcher) longest(alo, ahi, blo, bhi int) block {
	best := block{alo, blo, 0}
	j2len := map[int]int{}
	for i := alo; i < ahi; i++ {
		next := map[int]int{}
		for _, j := range m.b2j[m.a[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := j2len[j-1] + 1
			next[j] = k
			if k > best.size {
				best = block{i - k + 1, j - k + 1, k}
			}
		}
		j2len = next
	}
	for best.i > alo && best.j > blo && m.a[best.i-1] == m.b[best.j-1] {
		best = block{best.i - 1, best.j - 1, best.size + 1}
	}
	for best.i+best.size < ahi && best.j+best.size < bhi && m.a[best.i+best.size] == m.b[best.j+best.size] {
		best.size++
	}
	return best
}

func (m *matcher) matchingBlocks() []block {
	type span struct{ alo, ahi, blo, bhi int }
	queue := []span{{0, len(m.a), 0, len(m.b)}}
	var blocks []block
	for len(queue) > 0 {
		s := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		blk := m.longest(s.alo, s.ahi, s.blo, s.bhi)
		if blk.size == 0 {
			continue
		}
		blocks = append(blocks, blk)
		if s.alo < blk.i && s.blo < blk.j {
			queue = append(queue, span{s.alo, blk.i, s.blo, blk.j})
		}
		if blk.i+blk.size < s.ahi && blk.j+blk.size < s.bhi {
			queue = append(queue, span{blk.i + blk.size, s.ahi, blk.j + blk.size, s.bhi})
		}
	}
	sort.Slice(blocks, func(x, y int) bool {
		if blocks[x].i != blocks[y].i {
			return blocks[x].i < blocks[y].i
		}
		return blocks[x].j < blocks[y].j
	})
	return blocks
}
