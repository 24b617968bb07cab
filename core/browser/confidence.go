package browser

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/scrubline/scrubline/core/model"
)

// ProfileView is the scope-bounded plaintext view of a profile's fields
// the browser engine needs to score a listing match and fill removal
// forms. Callers assemble it from a vault.ScopedPlaintext within that
// handle's scope; the engine never retains it past a single ScanBroker or
// SubmitRemoval call.
type ProfileView struct {
	FullNames []string // e.g. "Jane Q. Public"
	Addresses []string // "line1, city, region postal"
	Emails    []string
	Phones    []string
}

// confidenceWeights fixes the Open Question (spec.md §9) resolution: 60%
// exact-field match ratio, 40% fuzzy similarity (name Levenshtein-normalized,
// address token-set Jaccard). Deterministic and reproducible from inputs.
const (
	exactWeight = 0.6
	fuzzyWeight = 0.4
)

// Confidence computes a ScanResult's match-confidence for pageText (a
// plain-text extraction of the scanned listing page) against profile. It
// is a pure function of its inputs, satisfying spec.md §4.5's
// "deterministic and reproducible" requirement.
func Confidence(profile ProfileView, pageText string) (float64, model.MatchMethod) {
	lower := strings.ToLower(pageText)

	exactRatio := exactFieldRatio(profile, lower)
	fuzzy := fuzzySimilarity(profile, lower)

	score := exactWeight*exactRatio + fuzzyWeight*fuzzy
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score, model.MatchMethodExactFuzzy60_40
}

// exactFieldRatio is the fraction of the profile's populated fields
// (treating each category as present/absent, not each individual value)
// that appear verbatim, case-insensitively, in pageText.
func exactFieldRatio(profile ProfileView, lowerPageText string) float64 {
	categories := [][]string{profile.FullNames, profile.Addresses, profile.Emails, profile.Phones}

	populated := 0
	matched := 0
	for _, values := range categories {
		if len(values) == 0 {
			continue
		}
		populated++
		for _, v := range values {
			if v == "" {
				continue
			}
			if strings.Contains(lowerPageText, strings.ToLower(v)) {
				matched++
				break
			}
		}
	}
	if populated == 0 {
		return 0
	}
	return float64(matched) / float64(populated)
}

// fuzzySimilarity averages the best name similarity and best address
// similarity found against pageText. A category with no profile values is
// excluded from the average rather than contributing 0, so a profile with
// only names is scored on name similarity alone.
func fuzzySimilarity(profile ProfileView, lowerPageText string) float64 {
	nameScore := bestNameSimilarity(profile.FullNames, lowerPageText)
	addrScore := bestAddressSimilarity(profile.Addresses, lowerPageText)

	terms := 0.0
	total := 0.0
	if len(profile.FullNames) > 0 {
		terms++
		total += nameScore
	}
	if len(profile.Addresses) > 0 {
		terms++
		total += addrScore
	}
	if terms == 0 {
		return 0
	}
	return total / terms
}

// bestNameSimilarity returns the highest Levenshtein-normalized similarity
// between any candidate name and any whitespace-delimited window of
// pageText the same length as the candidate.
func bestNameSimilarity(names []string, lowerPageText string) float64 {
	best := 0.0
	words := strings.Fields(lowerPageText)
	for _, name := range names {
		nameLower := strings.ToLower(name)
		nameWords := strings.Fields(nameLower)
		if len(nameWords) == 0 {
			continue
		}
		for i := 0; i+len(nameWords) <= len(words); i++ {
			window := strings.Join(words[i:i+len(nameWords)], " ")
			sim := levenshteinSimilarity(nameLower, window)
			if sim > best {
				best = sim
			}
		}
	}
	return best
}

// levenshteinSimilarity normalizes the Levenshtein edit distance between a
// and b into a [0,1] similarity score.
func levenshteinSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

// bestAddressSimilarity returns the highest token-set Jaccard similarity
// between any candidate address and pageText as a whole (addresses are
// short enough, and pages verbose enough, that sliding-window comparison
// like bestNameSimilarity would be noisy; token-set comparison over the
// full page is more robust for multi-line address blocks).
func bestAddressSimilarity(addresses []string, lowerPageText string) float64 {
	pageTokens := tokenSet(lowerPageText)
	best := 0.0
	for _, addr := range addresses {
		sim := jaccard(tokenSet(strings.ToLower(addr)), pageTokens)
		if sim > best {
			best = sim
		}
	}
	return best
}

// tokenSet splits s on non-alphanumeric runs into a deduplicated set of
// lowercase tokens.
func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b| over two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// sortedTokens is a test/debug helper returning a's tokens in sorted order
// for stable assertions.
func sortedTokens(a map[string]struct{}) []string {
	out := make([]string, 0, len(a))
	for t := range a {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
