package ot

type diffStep uint8

const (
	stepKeep diffStep = iota
	stepRemove
	stepInsert
)

// Diff returns a transaction turning before into after with the fewest
// removed and inserted items. Adjacent removals and insertions are grouped
// into one replace.
func Diff(author string, before, after []Item) (*Transaction, error) {
	dp := make([][]int, len(before)+1)
	dp[0] = make([]int, len(after)+1)
	for j := range dp[0] {
		dp[0][j] = j
	}
	for i := 1; i <= len(before); i++ {
		dp[i] = make([]int, len(after)+1)
		dp[i][0] = i
		for j := 1; j <= len(after); j++ {
			dp[i][j] = min(dp[i][j-1], dp[i-1][j]) + 1
			if before[i-1].Equal(after[j-1]) && dp[i-1][j-1] < dp[i][j] {
				dp[i][j] = dp[i-1][j-1]
			}
		}
	}

	// collect steps back to front
	steps := make([]diffStep, 0, len(before)+len(after))
	i, j := len(before), len(after)
	for i > 0 || j > 0 {
		switch {
		case i == 0:
			steps = append(steps, stepInsert)
			j--
		case j == 0:
			steps = append(steps, stepRemove)
			i--
		case before[i-1].Equal(after[j-1]) && dp[i][j] == dp[i-1][j-1]:
			steps = append(steps, stepKeep)
			i--
			j--
		case dp[i][j] == dp[i][j-1]+1:
			steps = append(steps, stepInsert)
			j--
		default:
			steps = append(steps, stepRemove)
			i--
		}
	}

	var ops []Operation
	var remove, insert []Item
	flush := func() {
		if len(remove) > 0 || len(insert) > 0 {
			ops = append(ops, Replace{Remove: remove, Insert: insert})
			remove, insert = nil, nil
		}
	}
	i, j = 0, 0
	for k := len(steps) - 1; k >= 0; k-- {
		switch steps[k] {
		case stepKeep:
			flush()
			ops = append(ops, Retain{Length: 1})
			i++
			j++
		case stepRemove:
			remove = append(remove, before[i])
			i++
		case stepInsert:
			insert = append(insert, after[j])
			j++
		}
	}
	flush()
	return NewTransaction(len(before), author, ops...)
}
