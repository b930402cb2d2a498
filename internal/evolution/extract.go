package evolution

import (
	"regexp"
	"strings"

	"github.com/andyan77/diyu-agent-sub002/internal/chunker"
	"github.com/andyan77/diyu-agent-sub002/internal/embedding"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

// Candidate is a fact extracted from a turn before it becomes a MemoryItem.
type Candidate struct {
	Key           string
	Content       string
	ItemType      string
	EpistemicType model.EpistemicType
}

type rule struct {
	re       *regexp.Regexp
	itemType string
	epi      model.EpistemicType
	build    func(m []string) (key, content string)
}

var rules = []rule{
	{
		re: regexp.MustCompile(`(?i)\bmy name is ([\p{L}][\p{L}' -]*)`), itemType: "identity", epi: model.EpistemicFact,
		build: func(m []string) (string, string) { return "identity:name", "User's name is " + m[1] },
	},
	{
		re: regexp.MustCompile(`(?i)\bi(?:'m| am) allergic to (.+)`), itemType: "health", epi: model.EpistemicFact,
		build: func(m []string) (string, string) { return "health:allergy:" + slug(m[1]), "User is allergic to " + m[1] },
	},
	{
		re: regexp.MustCompile(`(?i)\bi live in (.+)`), itemType: "location", epi: model.EpistemicFact,
		build: func(m []string) (string, string) { return "location:home", "User lives in " + m[1] },
	},
	{
		re: regexp.MustCompile(`(?i)\bi work (?:at|for) (.+)`), itemType: "work", epi: model.EpistemicFact,
		build: func(m []string) (string, string) { return "work:employer", "User works at " + m[1] },
	},
	{
		re: regexp.MustCompile(`(?i)\bi(?:'m| am) an? (.+)`), itemType: "identity", epi: model.EpistemicFact,
		build: func(m []string) (string, string) { return "identity:role", "User is a " + m[1] },
	},
	{
		re: regexp.MustCompile(`(?i)\bmy favou?rite ([\p{L}]+) is (.+)`), itemType: "preference", epi: model.EpistemicPreference,
		build: func(m []string) (string, string) {
			return "favorite:" + slug(m[1]), "User's favorite " + strings.ToLower(m[1]) + " is " + m[2]
		},
	},
	{
		re: regexp.MustCompile(`(?i)\bi (?:really |absolutely )?(?:don't|do not|dont) (?:like|enjoy) (.+)`), itemType: "preference", epi: model.EpistemicPreference,
		build: func(m []string) (string, string) { return "dislikes:" + slug(m[1]), "User dislikes " + m[1] },
	},
	{
		re: regexp.MustCompile(`(?i)\bi (?:really |absolutely )?(?:dislike|hate|can't stand) (.+)`), itemType: "preference", epi: model.EpistemicPreference,
		build: func(m []string) (string, string) { return "dislikes:" + slug(m[1]), "User dislikes " + m[1] },
	},
	{
		re: regexp.MustCompile(`(?i)\bi (?:really |absolutely |also )?(?:like|love|enjoy|prefer) (.+)`), itemType: "preference", epi: model.EpistemicPreference,
		build: func(m []string) (string, string) { return "likes:" + slug(m[1]), "User likes " + m[1] },
	},
	{
		re: regexp.MustCompile(`(?i)\bi (?:think|believe|feel that) (?:that )?(.+)`), itemType: "opinion", epi: model.EpistemicOpinion,
		build: func(m []string) (string, string) { return "opinion:" + slug(m[1]), "User thinks " + m[1] },
	},
}

// Values end at the first clause boundary.
var clauseCut = regexp.MustCompile(`(?i)\s*(?:[,;:]|\s(?:and|but|because|so|though|although)\s).*$`)

var trailingFiller = regexp.MustCompile(`(?i)\s+(?:anymore|any more|too|as well|a lot|very much|so much|now)$`)

// Extract applies the self-report rules to each sentence of text. Keys are
// unique in the result; the first sentence to produce a key wins.
func Extract(text string) []Candidate {
	seen := map[string]bool{}
	var out []Candidate
	for _, sentence := range chunker.Sentences(text) {
		for _, r := range rules {
			m := r.re.FindStringSubmatch(sentence)
			if m == nil {
				continue
			}
			for i := 1; i < len(m); i++ {
				m[i] = cleanValue(m[i])
			}
			if m[len(m)-1] == "" {
				continue
			}
			key, content := r.build(m)
			if strings.HasSuffix(key, ":") || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Candidate{Key: key, Content: content, ItemType: r.itemType, EpistemicType: r.epi})
		}
	}
	return out
}

func cleanValue(v string) string {
	v = clauseCut.ReplaceAllString(v, "")
	v = strings.TrimRight(strings.TrimSpace(v), ".!?\"' ")
	for {
		next := trailingFiller.ReplaceAllString(v, "")
		if next == v {
			break
		}
		v = next
	}
	return strings.TrimSpace(v)
}

// slug turns a value into a short lowercase key segment.
func slug(v string) string {
	toks := embedding.Tokens(cleanValue(v))
	if len(toks) > 4 {
		toks = toks[:4]
	}
	return strings.Join(toks, "-")
}

// sameValue reports whether two contents state the same thing.
func sameValue(a, b string) bool {
	return strings.Join(embedding.Tokens(a), " ") == strings.Join(embedding.Tokens(b), " ")
}

// Opposite returns the contradicting key of a likes/dislikes key.
func Opposite(key string) string {
	switch {
	case strings.HasPrefix(key, "likes:"):
		return "dislikes:" + strings.TrimPrefix(key, "likes:")
	case strings.HasPrefix(key, "dislikes:"):
		return "likes:" + strings.TrimPrefix(key, "dislikes:")
	}
	return ""
}

// --- corrections ---

// Revision is one change a correction asks for.
type Revision struct {
	// Key selects the prior item by key; Match selects it by content.
	Key   string
	Match string
	// Replace is the corrected fact, when the user stated one.
	Replace *Candidate
	// From/To substitute text in the prior item when no fact was extracted.
	From, To string
	// Outdated is the content of the successor when the user only retracted.
	Outdated string
}

// Correction is a user turn that revises stored memory.
type Correction struct {
	Revisions []Revision
}

var (
	anymoreRe = regexp.MustCompile(`(?i)\bi (?:don't|do not|dont) (?:like|love|enjoy|want) (.+?) any ?more\b(?:[,;.!]?\s*(?:but\s+)?(?:now\s+)?i\s+(?:now\s+)?(?:like|love|prefer|enjoy)\s+([^.!?;]+))?`)
	noLongerRe = regexp.MustCompile(`(?i)\bi no longer ((?:live|work|stay) (?:in|at|for)|[\p{L}]+) ([^.!?;]+)`)
	notItsRe   = regexp.MustCompile(`(?i)\bnot ([^,.;!?]+?),?\s+it(?:'s| is) ([^,.;!?]+)`)
	actuallyRe = regexp.MustCompile(`(?i)^\s*actually,?\s+(.+)$`)
)

// DetectCorrection recognizes explicit corrections: "not X, it's Y",
// "I no longer ...", "I don't like X anymore[, I like Y]" and
// "actually, ...". It returns false for ordinary turns.
func DetectCorrection(text string) (*Correction, bool) {
	var c Correction

	if m := anymoreRe.FindStringSubmatch(text); m != nil {
		old := cleanValue(m[1])
		rev := Revision{Key: "likes:" + slug(old)}
		if next := cleanValue(m[2]); next != "" {
			rev.Replace = &Candidate{Key: "likes:" + slug(next), Content: "User likes " + next,
				ItemType: "preference", EpistemicType: model.EpistemicPreference}
		} else {
			rev.Outdated = "User no longer likes " + old
		}
		if slug(old) != "" {
			c.Revisions = append(c.Revisions, rev)
		}
	}

	if m := noLongerRe.FindStringSubmatch(text); m != nil {
		verb := strings.ToLower(m[1])
		value := cleanValue(m[2])
		if key := noLongerKey(verb, value); key != "" {
			c.Revisions = append(c.Revisions, Revision{Key: key, Outdated: "User no longer " + verb + " " + value})
		}
	}

	if m := notItsRe.FindStringSubmatch(text); m != nil {
		from, to := cleanValue(m[1]), cleanValue(m[2])
		if from != "" && to != "" {
			rewritten := strings.Replace(text, m[0], to, 1)
			rev := Revision{Match: from, From: from, To: to}
			if found := Extract(rewritten); len(found) > 0 {
				rev.Replace = &found[0]
			}
			c.Revisions = append(c.Revisions, rev)
		}
	}

	if len(c.Revisions) == 0 {
		if m := actuallyRe.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
			for _, cand := range Extract(m[1]) {
				cand := cand
				c.Revisions = append(c.Revisions, Revision{Key: cand.Key, Replace: &cand})
			}
		}
	}

	if len(c.Revisions) == 0 {
		return nil, false
	}
	return &c, true
}

func noLongerKey(verb, value string) string {
	s := slug(value)
	if s == "" {
		return ""
	}
	switch {
	case verb == "like" || verb == "love" || verb == "enjoy":
		return "likes:" + s
	case strings.HasPrefix(verb, "live") || strings.HasPrefix(verb, "stay"):
		return "location:home"
	case strings.HasPrefix(verb, "work"):
		return "work:employer"
	}
	return "habit:" + slug(verb) + ":" + s
}
