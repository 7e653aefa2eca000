package sequence

import "fmt"

// Cell is one entry of the classic reading table: Word printed in Color.
type Cell struct {
	Word  string `json:"word"`
	Color string `json:"color"`
}

// BlockSeed maps a block number to the seed of its classic table so that
// repeated invocations of the same block reuse the layout while each new
// block gets a fresh one.
func BlockSeed(blockNr int) uint64 {
	if blockNr < 0 {
		blockNr = -blockNr
	}
	return uint64(blockNr)
}

// ClassicTable lays out rows x cols incongruent cells. Consecutive cells in
// reading order never repeat the same word.
func ClassicTable(rows, cols int, seed uint64, pool []string) ([][]Cell, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: table size %dx%d", ErrInvalidConfiguration, rows, cols)
	}
	words, err := validatePool(pool)
	if err != nil {
		return nil, err
	}
	if len(words) < 3 {
		return nil, fmt.Errorf("%w: classic table needs at least 3 words, got %d", ErrInvalidConfiguration, len(words))
	}

	rng := newRand(seed)
	table := make([][]Cell, rows)
	prev := ""
	for r := range table {
		table[r] = make([]Cell, cols)
		for c := range table[r] {
			word := pickOther(rng, words, prev)
			table[r][c] = Cell{Word: word, Color: pickOther(rng, words, word)}
			prev = word
		}
	}
	return table, nil
}
