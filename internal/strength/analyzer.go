package strength

import (
	"bufio"
	_ "embed"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"credguard/internal/config"

	"github.com/nbutton23/zxcvbn-go"
	"github.com/nbutton23/zxcvbn-go/match"
	"go.uber.org/zap"
)

// zxcvbn scoring:
//
//	0 too guessable      guesses < 10^3
//	1 very guessable     guesses < 10^6
//	2 somewhat guessable guesses < 10^8
//	3 safely unguessable guesses < 10^10
//	4 very unguessable   guesses >= 10^10
const (
	VeryWeak   = 0
	Weak       = 1
	OK         = 2
	Strong     = 3
	VeryStrong = 4
)

// defaultMaxAnalyzeRunes caps zxcvbn input; its cost grows with length.
const defaultMaxAnalyzeRunes = 100

//go:embed common_passwords.txt
var commonPasswords string

// Policy holds both gates. They are evaluated independently.
type Policy struct {
	MinScore        int
	MinLength       int
	RequireLower    bool
	RequireUpper    bool
	RequireDigit    bool
	RequireSymbol   bool
	MaxAnalyzeRunes int
}

func DefaultPolicy() Policy {
	return Policy{
		MinScore:        OK,
		MinLength:       8,
		RequireLower:    true,
		RequireUpper:    true,
		RequireDigit:    true,
		MaxAnalyzeRunes: defaultMaxAnalyzeRunes,
	}
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MinScore:        cfg.Strength.MinScore,
		MinLength:       cfg.Strength.MinLength,
		RequireLower:    cfg.Strength.RequireLower,
		RequireUpper:    cfg.Strength.RequireUpper,
		RequireDigit:    cfg.Strength.RequireDigit,
		RequireSymbol:   cfg.Strength.RequireSymbol,
		MaxAnalyzeRunes: cfg.Strength.MaxAnalyzeRunes,
	}
}

// Result is never persisted.
type Result struct {
	Score            int      `json:"score"`
	Warning          string   `json:"warning"`
	Suggestions      []string `json:"suggestions"`
	CrackTimeDisplay string   `json:"crack_time_display"`
	Guesses          float64  `json:"guesses"`
	GuessesLog10     float64  `json:"guesses_log10"`
	EntropyBits      float64  `json:"entropy_bits"`
}

type Validation struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

type Analyzer struct {
	policy   Policy
	denylist map[string]struct{}
	logger   *zap.Logger
}

func NewAnalyzer(policy Policy, logger *zap.Logger) *Analyzer {
	if policy.MaxAnalyzeRunes <= 0 {
		policy.MaxAnalyzeRunes = defaultMaxAnalyzeRunes
	}

	denylist := make(map[string]struct{})
	sc := bufio.NewScanner(strings.NewReader(commonPasswords))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		denylist[strings.ToLower(line)] = struct{}{}
	}

	logger.Debug("Strength analyzer initialized",
		zap.Int("min_score", policy.MinScore),
		zap.Int("denylist_size", len(denylist)),
	)

	return &Analyzer{
		policy:   policy,
		denylist: denylist,
		logger:   logger,
	}
}

func (a *Analyzer) Policy() Policy {
	return a.policy
}

// Score is deterministic for a given password and user inputs.
func (a *Analyzer) Score(password string, userInputs ...string) Result {
	if password == "" {
		return Result{
			Score:            VeryWeak,
			Warning:          "",
			Suggestions:      defaultSuggestions(),
			CrackTimeDisplay: "instant",
			Guesses:          1,
			GuessesLog10:     0,
			EntropyBits:      0,
		}
	}

	checked := truncateRunes(password, a.policy.MaxAnalyzeRunes)
	m := zxcvbn.PasswordStrength(checked, userInputs)

	guessesLog10 := m.Entropy * math.Log10(2)
	warning, suggestions := feedback(m.Score, m.MatchSequence)

	return Result{
		Score:            m.Score,
		Warning:          warning,
		Suggestions:      suggestions,
		CrackTimeDisplay: m.CrackTimeDisplay,
		Guesses:          math.Pow(10, guessesLog10),
		GuessesLog10:     guessesLog10,
		EntropyBits:      EntropyBits(password),
	}
}

// MeetsMinimum is the score gate.
func (a *Analyzer) MeetsMinimum(r Result) bool {
	return r.Score >= a.policy.MinScore
}

// Validate is the structural gate: length, character classes, denylist.
func (a *Analyzer) Validate(password string) Validation {
	var errs []string

	if utf8.RuneCountInString(password) < a.policy.MinLength {
		errs = append(errs, "password is too short")
	}

	c := classify(password)
	if a.policy.RequireLower && !c.lower {
		errs = append(errs, "password must contain a lowercase letter")
	}
	if a.policy.RequireUpper && !c.upper {
		errs = append(errs, "password must contain an uppercase letter")
	}
	if a.policy.RequireDigit && !c.digit {
		errs = append(errs, "password must contain a digit")
	}
	if a.policy.RequireSymbol && !c.symbol {
		errs = append(errs, "password must contain a symbol")
	}
	if _, common := a.denylist[strings.ToLower(password)]; common {
		errs = append(errs, "password is too common")
	}

	return Validation{IsValid: len(errs) == 0, Errors: errs}
}

// EntropyBits approximates entropy as length * log2(charset), where the
// charset adds 26 for lowercase, 26 for uppercase, 10 for digits and 32 for
// anything else. It is a character-class estimate, not a guess count.
// Letters without case (e.g. CJK) fall into the symbol class.
func EntropyBits(password string) float64 {
	if password == "" {
		return 0
	}

	c := classify(password)
	charset := 0
	if c.lower {
		charset += 26
	}
	if c.upper {
		charset += 26
	}
	if c.digit {
		charset += 10
	}
	if c.symbol {
		charset += 32
	}

	return float64(utf8.RuneCountInString(password)) * math.Log2(float64(charset))
}

type classes struct {
	lower, upper, digit, symbol bool
}

func classify(password string) classes {
	var c classes
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			c.lower = true
		case unicode.IsUpper(r):
			c.upper = true
		case unicode.IsDigit(r):
			c.digit = true
		default:
			c.symbol = true
		}
	}
	return c
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func defaultSuggestions() []string {
	return []string{
		"Use a few words, avoid common phrases",
		"No need for symbols, digits, or uppercase letters",
	}
}

// feedback picks the longest non-bruteforce match as the weakest link.
func feedback(score int, seq []match.Match) (string, []string) {
	if len(seq) == 0 {
		return "", defaultSuggestions()
	}
	if score > OK {
		return "", nil
	}

	var worst *match.Match
	for i := range seq {
		m := &seq[i]
		if strings.EqualFold(m.Pattern, "bruteforce") {
			continue
		}
		if worst == nil || len(m.Token) > len(worst.Token) {
			worst = m
		}
	}

	suggestions := []string{"Add another word or two. Uncommon words are better."}
	if worst == nil {
		return "", suggestions
	}

	warning, extra := matchFeedback(*worst, len(seq) == 1)
	return warning, append(suggestions, extra...)
}

func matchFeedback(m match.Match, soleMatch bool) (string, []string) {
	pattern := strings.ToLower(m.Pattern)

	switch {
	case strings.Contains(pattern, "spatial"):
		if len(m.Token) <= 5 {
			return "Short keyboard patterns are easy to guess",
				[]string{"Use a longer keyboard pattern with more turns"}
		}
		return "Straight rows of keys are easy to guess",
			[]string{"Use a longer keyboard pattern with more turns"}

	case strings.Contains(pattern, "repeat"):
		return `Repeats like "aaa" are easy to guess`,
			[]string{"Avoid repeated words and characters"}

	case strings.Contains(pattern, "seq"):
		return "Sequences like abc or 6543 are easy to guess",
			[]string{"Avoid sequences"}

	case strings.Contains(pattern, "date"):
		return "Dates are often easy to guess",
			[]string{"Avoid dates and years that are associated with you"}

	case strings.Contains(pattern, "digit"), strings.Contains(pattern, "year"):
		return "Recent years are easy to guess",
			[]string{"Avoid recent years", "Avoid years that are associated with you"}

	case strings.Contains(pattern, "dict"), strings.Contains(pattern, "l33t"), strings.Contains(pattern, "leet"):
		return dictionaryFeedback(m, soleMatch)
	}

	return "", nil
}

func dictionaryFeedback(m match.Match, soleMatch bool) (string, []string) {
	var warning string
	dict := strings.ToLower(m.DictionaryName)

	switch {
	case strings.Contains(dict, "password"):
		if soleMatch {
			warning = "This is a very common password"
		} else {
			warning = "This is similar to a commonly used password"
		}
	case strings.Contains(dict, "english"):
		if soleMatch {
			warning = "A word by itself is easy to guess"
		}
	case strings.Contains(dict, "name"):
		if soleMatch {
			warning = "Names and surnames by themselves are easy to guess"
		} else {
			warning = "Common names and surnames are easy to guess"
		}
	case strings.Contains(dict, "user"):
		warning = "Avoid personal information such as your name or email"
	}

	var suggestions []string
	token := m.Token
	switch {
	case token != "" && strings.ToUpper(token) == token && strings.ToLower(token) != token:
		suggestions = append(suggestions, "All-uppercase is almost as easy to guess as all-lowercase")
	case startsUpper(token):
		suggestions = append(suggestions, "Capitalization doesn't help very much")
	}
	if strings.Contains(strings.ToLower(m.Pattern), "l33t") || strings.Contains(strings.ToLower(m.Pattern), "leet") {
		suggestions = append(suggestions, "Predictable substitutions like '@' instead of 'a' don't help very much")
	}

	return warning, suggestions
}

func startsUpper(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r != utf8.RuneError && unicode.IsUpper(r)
}
