// Package fuzzy normalizes track metadata and scores string similarity
// for ranking catalog search results.
package fuzzy

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// Decorations that providers append to titles but listeners rarely type.
	featPattern    = regexp.MustCompile(`(?i)\s*[\(\[]?\s*(?:feat\.?|ft\.?|featuring)\s+[^\)\]]*[\)\]]?\s*`)
	remixPattern   = regexp.MustCompile(`(?i)\s*[\(\[]?\s*.*remix.*[\)\]]?\s*`)
	versionPattern = regexp.MustCompile(`(?i)\s*[\(\[]?\s*(remaster|remastered|deluxe|extended|radio edit|clean|explicit).*[\)\]]?\s*`)

	punctPattern      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Normalizer folds track titles and artist names into a canonical lowercase
// form so that near-identical spellings compare equal.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NormalizeTitle strips featuring credits, remix and version decorations
// on top of the basic folding.
func (n *Normalizer) NormalizeTitle(title string) string {
	title = n.fold(title)
	title = featPattern.ReplaceAllString(title, "")
	title = remixPattern.ReplaceAllString(title, "")
	title = versionPattern.ReplaceAllString(title, "")
	return strings.TrimSpace(title)
}

// NormalizeArtist canonicalizes the common collaboration connectives.
func (n *Normalizer) NormalizeArtist(artist string) string {
	artist = n.fold(artist)
	artist = strings.ReplaceAll(artist, " and ", " & ")
	artist = strings.ReplaceAll(artist, " vs ", " vs. ")
	artist = strings.ReplaceAll(artist, " feat ", " feat. ")
	artist = strings.ReplaceAll(artist, " ft ", " ft. ")
	return artist
}

// fold applies NFKD decomposition, drops combining marks, replaces
// punctuation with spaces and lowercases the remainder.
func (n *Normalizer) fold(text string) string {
	text = norm.NFKD.String(text)

	var b strings.Builder
	for _, r := range text {
		if !unicode.IsMark(r) {
			b.WriteRune(r)
		}
	}
	text = b.String()

	text = punctPattern.ReplaceAllString(text, " ")
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(strings.ToLower(text))
}

// CalculateSimilarity scores two strings in [0, 1] using the length of
// their longest common subsequence relative to the longer input.
func (n *Normalizer) CalculateSimilarity(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}
	longer := len(s1)
	if len(s2) > longer {
		longer = len(s2)
	}
	return float64(lcsLength(s1, s2)) / float64(longer)
}

func lcsLength(s1, s2 string) int {
	m, n := len(s1), len(s2)

	// Two rolling rows keep the table linear in the shorter dimension.
	prev := make([]int, n+1)
	curr := make([]int, n+1)

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if s1[i-1] == s2[j-1] {
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
