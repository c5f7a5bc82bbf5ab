package textmatch

// QWERTY layout used for adjacency checks. Row offsets approximate the
// physical stagger so vertical neighbors line up (q/a, a/z).
var keyboardRows = []struct {
	keys   string
	offset float64
}{
	{"1234567890", 0},
	{"qwertyuiop", 0.5},
	{"asdfghjkl", 1},
	{"zxcvbnm", 1.5},
}

type keyPos struct {
	row int
	col float64
}

var keyboard = func() map[rune]keyPos {
	m := make(map[rune]keyPos)
	for row, r := range keyboardRows {
		for col, key := range r.keys {
			m[key] = keyPos{row: row, col: float64(col) + r.offset}
		}
	}
	return m
}()

// adjacent reports whether two distinct runes sit next to each other on a
// QWERTY keyboard (same row one column apart, or neighboring rows within one
// column of stagger).
func adjacent(a, b rune) bool {
	pa, ok := keyboard[a]
	if !ok {
		return false
	}
	pb, ok := keyboard[b]
	if !ok {
		return false
	}
	rowDelta := pa.row - pb.row
	if rowDelta < 0 {
		rowDelta = -rowDelta
	}
	colDelta := pa.col - pb.col
	if colDelta < 0 {
		colDelta = -colDelta
	}
	return rowDelta <= 1 && colDelta <= 1 && (rowDelta+int(colDelta) > 0)
}

// lookalikes are single-character substitutions users will not notice at a
// glance. Checked both ways.
var lookalikes = map[[2]rune]bool{
	{'0', 'o'}: true,
	{'1', 'l'}: true,
	{'1', 'i'}: true,
	{'5', 's'}: true,
}

func lookalike(a, b rune) bool {
	return lookalikes[[2]rune{a, b}] || lookalikes[[2]rune{b, a}]
}

const discountedCost = 0.5

// EditDistance returns the Damerau-Levenshtein distance between a and b:
// insertions, deletions, substitutions and adjacent transpositions all cost 1.
func EditDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev2 := make([]int, lb+1)
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			d := min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				if t := prev2[j-2] + 1; t < d {
					d = t
				}
			}
			cur[j] = d
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[lb]
}

// KeyboardProximity scores how plausibly b is a mistyping or disguise of a.
// It runs the same alignment as EditDistance but discounts substitutions
// between keyboard-adjacent keys and known lookalike pairs, and treats the
// rn/m digraph swap as a single discounted operation. The result is a
// similarity in [0,1]; 1 means identical after discounting.
func KeyboardProximity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}

	rows := make([][]float64, la+1)
	for i := range rows {
		rows[i] = make([]float64, lb+1)
		rows[i][0] = float64(i)
	}
	for j := 0; j <= lb; j++ {
		rows[0][j] = float64(j)
	}

	for i := 1; i <= la; i++ {
		for j := 1; j <= lb; j++ {
			var subst float64
			switch {
			case ra[i-1] == rb[j-1]:
				subst = 0
			case adjacent(ra[i-1], rb[j-1]) || lookalike(ra[i-1], rb[j-1]):
				subst = discountedCost
			default:
				subst = 1
			}
			d := minf3(rows[i][j-1]+1, rows[i-1][j]+1, rows[i-1][j-1]+subst)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] && ra[i-1] != rb[j-1] {
				if t := rows[i-2][j-2] + 1; t < d {
					d = t
				}
			}
			// rn read as m, in either direction.
			if i > 1 && rb[j-1] == 'm' && ra[i-2] == 'r' && ra[i-1] == 'n' {
				if t := rows[i-2][j-1] + discountedCost; t < d {
					d = t
				}
			}
			if j > 1 && ra[i-1] == 'm' && rb[j-2] == 'r' && rb[j-1] == 'n' {
				if t := rows[i-1][j-2] + discountedCost; t < d {
					d = t
				}
			}
			rows[i][j] = d
		}
	}

	longest := la
	if lb > longest {
		longest = lb
	}
	sim := 1 - rows[la][lb]/float64(longest)
	if sim < 0 {
		return 0
	}
	return sim
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func minf3(a, b, c float64) float64 {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
