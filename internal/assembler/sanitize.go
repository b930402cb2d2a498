package assembler

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
)

// Verdict is the sanitizer outcome for one candidate.
type Verdict string

const (
	VerdictClean     Verdict = "clean"
	VerdictSanitized Verdict = "sanitized"
	VerdictBlocked   Verdict = "blocked"
)

// Sanitized is the cleaned content and what happened to it.
type Sanitized struct {
	Verdict Verdict
	Content string
	// Rule names the rule that blocked or rewrote the content.
	Rule string
}

type injectionRule struct {
	name    string
	pattern *regexp.Regexp
}

var injectionRules = []injectionRule{
	{"instruction_override", regexp.MustCompile(`(?i)(ignore|disregard|override|forget|do\s+not\s+follow)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|context)`)},
	{"role_confusion", regexp.MustCompile(`(?i)you\s+are\s+now\s+\w+[,.]?\s*(do|ignore|forget|disregard)`)},
	{"delimiter_abuse", regexp.MustCompile("(?i)(```system\\b|<\\|im_start\\|>|<\\|im_end\\|>|\\[/?INST\\]|</?system>)")},
	{"prompt_exfiltration", regexp.MustCompile(`(?i)(reveal|print|repeat|show)\s+(me\s+)?(your|the)\s+(system\s+prompt|hidden\s+instructions)`)},
}

// Zero-width and formatting characters used to split trigger words.
var invisibleChars = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\ufeff", "",
	"\u00ad", "",
	"\u034f", "",
	"\u061c", "",
	"\u180e", "",
	"\u2060", "",
	"\u2061", "",
	"\u2062", "",
	"\u2063", "",
	"\u2064", "",
	"\u206a", "",
	"\u206b", "",
	"\u206c", "",
	"\u206d", "",
	"\u206e", "",
	"\u206f", "",
)

func normalize(s string) string {
	return norm.NFKC.String(invisibleChars.Replace(s))
}

// Sanitizer neutralizes memory content before it reaches a prompt.
type Sanitizer struct {
	cfg config.SanitizeConfig
}

// NewSanitizer returns a sanitizer with the given limits.
func NewSanitizer(cfg config.SanitizeConfig) *Sanitizer {
	if cfg.MaxTokenChars <= 0 {
		cfg.MaxTokenChars = 64
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = 2000
	}
	return &Sanitizer{cfg: cfg}
}

// Sanitize normalizes content and blocks injection attempts. Oversized
// tokens are cut; oversized content is blocked outright.
func (s *Sanitizer) Sanitize(content string) Sanitized {
	clean := normalize(content)

	if utf8.RuneCountInString(clean) > s.cfg.MaxContentChars {
		return Sanitized{Verdict: VerdictBlocked, Rule: "content_too_large"}
	}
	for _, r := range injectionRules {
		if r.pattern.MatchString(clean) {
			return Sanitized{Verdict: VerdictBlocked, Rule: r.name}
		}
	}

	out := Sanitized{Verdict: VerdictClean, Content: clean}
	if clean != content {
		out.Verdict = VerdictSanitized
		out.Rule = "normalized"
	}
	if cut, changed := s.capTokens(clean); changed {
		out.Verdict = VerdictSanitized
		out.Rule = "token_too_long"
		out.Content = cut
	}
	return out
}

func (s *Sanitizer) capTokens(text string) (string, bool) {
	fields := strings.Fields(text)
	changed := false
	for i, f := range fields {
		if utf8.RuneCountInString(f) > s.cfg.MaxTokenChars {
			fields[i] = string([]rune(f)[:s.cfg.MaxTokenChars]) + "…"
			changed = true
		}
	}
	if !changed {
		return text, false
	}
	return strings.Join(fields, " "), true
}
