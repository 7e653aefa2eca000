package sequence

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// seedMix decorrelates the second PCG word from the seed itself.
const seedMix = 0x9e3779b97f4a7c15

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^seedMix))
}

// Generate plans a balanced block of nTrials trials over the given word
// pool. The same (nTrials, seed, pool, focus) always yields the same plan.
func Generate(nTrials int, seed uint64, pool []string, focus Focus) (BlockPlan, error) {
	if nTrials <= 0 || nTrials%BalanceFactor != 0 {
		return BlockPlan{}, fmt.Errorf("%w: n_trials=%d must be a positive multiple of %d to balance congruent, incongruent and neutral trials",
			ErrInvalidConfiguration, nTrials, BalanceFactor)
	}
	focus, err := ParseFocus(string(focus))
	if err != nil {
		return BlockPlan{}, err
	}
	words, err := validatePool(pool)
	if err != nil {
		return BlockPlan{}, err
	}

	rng := newRand(seed)
	perClass := nTrials / 3

	classes := []struct {
		cond  Condition
		cands []TrialSpec
	}{
		{Congruent, congruentCandidates(words)},
		{Incongruent, incongruentCandidates(words)},
		{Neutral, neutralCandidates(words)},
	}

	trials := make([]TrialSpec, 0, nTrials)
	for _, class := range classes {
		tops := cycle(rng, class.cands, perClass)
		matches := matchVector(rng, perClass)
		for i, top := range tops {
			top.Match = matches[i]
			focused := top.Focused(focus)
			if top.Match {
				top.Bottom = focused
			} else {
				top.Bottom = pickOther(rng, words, focused)
			}
			trials = append(trials, top)
		}
	}

	rng.Shuffle(len(trials), func(i, j int) { trials[i], trials[j] = trials[j], trials[i] })

	return BlockPlan{Seed: seed, Focus: focus, Trials: trials}, nil
}

func validatePool(pool []string) ([]string, error) {
	seen := make(map[string]struct{}, len(pool))
	words := make([]string, 0, len(pool))
	for _, w := range pool {
		w = strings.TrimSpace(w)
		if w == "" {
			return nil, fmt.Errorf("%w: empty word in pool", ErrInvalidConfiguration)
		}
		if _, dup := seen[w]; dup {
			return nil, fmt.Errorf("%w: duplicate word %q in pool", ErrInvalidConfiguration, w)
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	if len(words) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 words, got %d", ErrInvalidConfiguration, len(words))
	}
	return words, nil
}

func congruentCandidates(words []string) []TrialSpec {
	out := make([]TrialSpec, 0, len(words))
	for _, w := range words {
		out = append(out, TrialSpec{TopWord: w, TopColor: w, Condition: Congruent})
	}
	return out
}

func incongruentCandidates(words []string) []TrialSpec {
	out := make([]TrialSpec, 0, len(words)*(len(words)-1))
	for _, w := range words {
		for _, c := range words {
			if c == w {
				continue
			}
			out = append(out, TrialSpec{TopWord: w, TopColor: c, Condition: Incongruent})
		}
	}
	return out
}

func neutralCandidates(words []string) []TrialSpec {
	out := make([]TrialSpec, 0, len(words))
	for _, c := range words {
		out = append(out, TrialSpec{TopColor: c, Condition: Neutral})
	}
	return out
}

// cycle draws n tops by walking a shuffled copy of the candidates
// repeatedly, so every candidate is used as evenly as n allows.
func cycle(rng *rand.Rand, cands []TrialSpec, n int) []TrialSpec {
	order := make([]TrialSpec, len(cands))
	copy(order, cands)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	out := make([]TrialSpec, n)
	for i := range out {
		out[i] = order[i%len(order)]
	}
	return out
}

// matchVector holds exactly n/2 true values in shuffled order.
func matchVector(rng *rand.Rand, n int) []bool {
	v := make([]bool, n)
	for i := 0; i < n/2; i++ {
		v[i] = true
	}
	rng.Shuffle(n, func(i, j int) { v[i], v[j] = v[j], v[i] })
	return v
}

func pickOther(rng *rand.Rand, words []string, exclude string) string {
	others := make([]string, 0, len(words)-1)
	for _, w := range words {
		if w != exclude {
			others = append(others, w)
		}
	}
	return others[rng.IntN(len(others))]
}
