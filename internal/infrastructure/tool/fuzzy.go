package tool

import "strings"

// FuzzyConfig controls how aggressively FuzzyMatcher looks for a hunk's
// true position when the patch context doesn't line up exactly: lines moved,
// whitespace changed, or a few characters edited since the patch was written.
type FuzzyConfig struct {
	MaxOffset        int     // lines searched either side of the suggested position
	MinSimilarity    float64 // minimum mean line similarity (0..1) to accept a fuzzy match
	IgnoreWhitespace bool
	IgnoreCase       bool
}

// DefaultFuzzyConfig mirrors the matcher's historical defaults.
func DefaultFuzzyConfig() FuzzyConfig {
	return FuzzyConfig{
		MaxOffset:        100,
		MinSimilarity:    0.8,
		IgnoreWhitespace: true,
		IgnoreCase:       false,
	}
}

// MatchQualityKind distinguishes how a hunk position was found.
type MatchQualityKind int

const (
	QualityExact MatchQualityKind = iota
	QualityOffset
	QualityFuzzy
)

// MatchQuality reports how confidently FindPosition located a hunk.
type MatchQuality struct {
	Kind       MatchQualityKind
	Offset     int     // only meaningful for QualityOffset
	Similarity float64 // only meaningful for QualityFuzzy
}

func (q MatchQuality) IsExact() bool { return q.Kind == QualityExact }

// Score returns 1.0 for an exact match, a small penalty per line of offset,
// and the raw similarity ratio for a fuzzy match.
func (q MatchQuality) Score() float64 {
	switch q.Kind {
	case QualityExact:
		return 1.0
	case QualityOffset:
		off := q.Offset
		if off < 0 {
			off = -off
		}
		penalty := float64(off) * 0.001
		if penalty > 0.1 {
			penalty = 0.1
		}
		return 1.0 - penalty
	case QualityFuzzy:
		return q.Similarity
	default:
		return 0
	}
}

// FuzzyMatcher finds the best line to apply a patch hunk: exact match at the
// suggested position, exact match within an offset window, then fuzzy
// line-similarity search within that same window.
type FuzzyMatcher struct {
	config FuzzyConfig
}

func NewFuzzyMatcher(config FuzzyConfig) *FuzzyMatcher {
	return &FuzzyMatcher{config: config}
}

// FindPosition returns the 0-indexed line where matchLines should be applied
// against fileLines, starting the search at suggestedStart. ok is false if no
// position meets MinSimilarity.
func (m *FuzzyMatcher) FindPosition(fileLines []string, matchLines []string, suggestedStart int) (pos int, quality MatchQuality, ok bool) {
	if len(matchLines) == 0 {
		return suggestedStart, MatchQuality{Kind: QualityExact}, true
	}

	if m.matchesExactly(fileLines, matchLines, suggestedStart) {
		return suggestedStart, MatchQuality{Kind: QualityExact}, true
	}

	for offset := 1; offset <= m.config.MaxOffset; offset++ {
		if suggestedStart >= offset {
			before := suggestedStart - offset
			if m.matchesExactly(fileLines, matchLines, before) {
				return before, MatchQuality{Kind: QualityOffset, Offset: offset}, true
			}
		}
		after := suggestedStart + offset
		if after < len(fileLines) && m.matchesExactly(fileLines, matchLines, after) {
			return after, MatchQuality{Kind: QualityOffset, Offset: offset}, true
		}
	}

	if m.config.MinSimilarity < 1.0 {
		if fpos, fquality, fok := m.findFuzzyPosition(fileLines, matchLines, suggestedStart); fok {
			return fpos, fquality, true
		}
	}

	return 0, MatchQuality{}, false
}

func (m *FuzzyMatcher) matchesExactly(fileLines, matchLines []string, start int) bool {
	if start < 0 || start+len(matchLines) > len(fileLines) {
		return false
	}
	for i, expected := range matchLines {
		if !m.linesEqual(expected, fileLines[start+i]) {
			return false
		}
	}
	return true
}

func (m *FuzzyMatcher) linesEqual(expected, actual string) bool {
	if m.config.IgnoreWhitespace {
		expected = strings.TrimSpace(expected)
		actual = strings.TrimSpace(actual)
	}
	if m.config.IgnoreCase {
		return strings.EqualFold(expected, actual)
	}
	return expected == actual
}

func (m *FuzzyMatcher) findFuzzyPosition(fileLines, matchLines []string, suggestedStart int) (int, MatchQuality, bool) {
	bestPos := -1
	bestScore := 0.0

	searchStart := suggestedStart - m.config.MaxOffset
	if searchStart < 0 {
		searchStart = 0
	}
	searchEnd := suggestedStart + m.config.MaxOffset
	if searchEnd > len(fileLines) {
		searchEnd = len(fileLines)
	}

	for pos := searchStart; pos < searchEnd; pos++ {
		if pos+len(matchLines) > len(fileLines) {
			continue
		}
		score := m.calculateMatchScore(fileLines, matchLines, pos)
		if score > bestScore && score >= m.config.MinSimilarity {
			bestScore = score
			bestPos = pos
		}
	}

	if bestPos < 0 {
		return 0, MatchQuality{}, false
	}
	return bestPos, MatchQuality{Kind: QualityFuzzy, Similarity: bestScore}, true
}

func (m *FuzzyMatcher) calculateMatchScore(fileLines, matchLines []string, start int) float64 {
	if len(matchLines) == 0 {
		return 1.0
	}
	total := 0.0
	for i, expected := range matchLines {
		total += m.lineSimilarity(expected, fileLines[start+i])
	}
	return total / float64(len(matchLines))
}

// lineSimilarity is a char-level diff ratio: equal chars over total chars
// compared, via a straightforward LCS-based alignment. No pack library
// performs char-level diff-ratio scoring, so this is hand-rolled.
func (m *FuzzyMatcher) lineSimilarity(expected, actual string) float64 {
	if m.config.IgnoreWhitespace {
		expected = strings.TrimSpace(expected)
		actual = strings.TrimSpace(actual)
	}
	if m.config.IgnoreCase {
		expected = strings.ToLower(expected)
		actual = strings.ToLower(actual)
	}

	if expected == actual {
		return 1.0
	}
	if len(expected) == 0 || len(actual) == 0 {
		if len(expected) == 0 && len(actual) == 0 {
			return 1.0
		}
		return 0.0
	}

	a := []rune(expected)
	b := []rune(actual)
	same := lcsLength(a, b)
	total := len(a) + len(b) - same // matches the "equal over total compared" ratio
	if total == 0 {
		return 1.0
	}
	return float64(2*same) / float64(len(a)+len(b))
}

// lcsLength returns the length of the longest common subsequence of a and b.
func lcsLength(a, b []rune) int {
	m, n := len(a), len(b)
	prev := make([]int, n+1)
	curr := make([]int, n+1)
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[n]
}
