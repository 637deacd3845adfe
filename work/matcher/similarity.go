package matcher

import (
	"math"
	"sort"
	"strings"
)

// Similarity scores two normalized names in [0, 100]. It takes the maximum of
// the full ratio, the best-window partial ratio, the token-sort ratio and the
// token-set ratio, so reordered or truncated names still score high.
func Similarity(a, b string) int {
	best := ratio(a, b)
	for _, score := range []float64{partialRatio(a, b), tokenSortRatio(a, b), tokenSetRatio(a, b)} {
		if score > best {
			best = score
		}
	}
	return clamp(int(math.Round(best)))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// lcsLength returns the longest common subsequence length using two DP rows.
func lcsLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				curr[j] = prev[j-1] + 1
			case prev[j] >= curr[j-1]:
				curr[j] = prev[j]
			default:
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// runeRatio is the normalized Indel similarity: 2*LCS / (len(a)+len(b)).
func runeRatio(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 100
	}
	return 200 * float64(lcsLength(a, b)) / float64(total)
}

func ratio(a, b string) float64 {
	return runeRatio([]rune(a), []rune(b))
}

// partialRatio slides the shorter string across the longer one and keeps the
// best window.
func partialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 100
		}
		return 0
	}

	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		if score := runeRatio(short, long[i:i+len(short)]); score > best {
			best = score
			if best == 100 {
				break
			}
		}
	}
	return best
}

func tokenSortRatio(a, b string) float64 {
	return ratio(sortedTokens(a), sortedTokens(b))
}

func sortedTokens(s string) string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}

// tokenSetRatio compares the shared tokens against each side's remainder. A
// name whose tokens are a subset of the other's scores 100.
func tokenSetRatio(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		if len(setA) == 0 && len(setB) == 0 {
			return 100
		}
		return 0
	}

	var common, onlyA, onlyB []string
	for t := range setA {
		if _, ok := setB[t]; ok {
			common = append(common, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range setB {
		if _, ok := setA[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}
	if len(common) > 0 && (len(onlyA) == 0 || len(onlyB) == 0) {
		return 100
	}

	sort.Strings(common)
	sort.Strings(onlyA)
	sort.Strings(onlyB)
	base := strings.Join(common, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := ratio(withA, withB)
	if base != "" {
		best = math.Max(best, math.Max(ratio(base, withA), ratio(base, withB)))
	}
	return best
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(s) {
		set[f] = struct{}{}
	}
	return set
}
