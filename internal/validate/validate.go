// Package validate filters recognizer artifacts before anything is
// translated. Text checks run on a transcript; signal checks run on the
// audio segment it came from. Both are pure and deterministic.
package validate

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/snarg/live-translator/internal/audio"
	"gopkg.in/yaml.v3"
)

// Signal-quality rejects. A segment failing one of these is skipped without
// retry and capture continues.
var (
	ErrTooShort        = errors.New("segment too short")
	ErrTooQuiet        = errors.New("segment too quiet")
	ErrTooLoud         = errors.New("segment saturated")
	ErrDigitalArtifact = errors.New("segment energy is flat")
)

// ErrRejected wraps every text-level reject.
var ErrRejected = errors.New("transcript rejected")

// Thresholds are the tunable knobs of the validator. They were tuned by ear
// and are expected to move; none of them is a contract.
type Thresholds struct {
	MinLength int `yaml:"min_length"`

	// Boilerplate holds phrases recognizers emit on silence or music.
	// Matching ignores case, surrounding whitespace and trailing punctuation.
	Boilerplate []string `yaml:"boilerplate"`

	// MaxCharRun rejects text containing the same character more than this
	// many times in a row.
	MaxCharRun int `yaml:"max_char_run"`

	// MaxTokenRepeat rejects text where a word or short phrase (up to
	// MaxPhraseTokens words) repeats back to back more than this many times.
	MaxTokenRepeat  int `yaml:"max_token_repeat"`
	MaxPhraseTokens int `yaml:"max_phrase_tokens"`

	// MaxLetterShare rejects text where one letter accounts for more than
	// this fraction of all letters, once the text has at least
	// MinLettersForShare letters.
	MaxLetterShare     float64 `yaml:"max_letter_share"`
	MinLettersForShare int     `yaml:"min_letters_for_share"`

	MinDuration        time.Duration `yaml:"min_duration"`
	SilenceFloor       float64       `yaml:"silence_floor"`
	SaturationCeil     float64       `yaml:"saturation_ceiling"`
	EnergyWindow       time.Duration `yaml:"energy_window"`
	MinEnergyVariation float64       `yaml:"min_energy_variation"`
}

// DefaultThresholds returns the shipped policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinLength: 2,
		Boilerplate: []string{
			"[music]",
			"[blank_audio]",
			"[silence]",
			"[applause]",
			"[laughter]",
			"[inaudible]",
			"(music)",
			"(silence)",
			"♪",
			"thanks for watching",
			"thank you for watching",
			"please subscribe",
			"subtitles by the amara.org community",
		},
		MaxCharRun:         15,
		MaxTokenRepeat:     4,
		MaxPhraseTokens:    3,
		MaxLetterShare:     0.8,
		MinLettersForShare: 3,
		MinDuration:        500 * time.Millisecond,
		SilenceFloor:       0.003,
		SaturationCeil:     0.7,
		EnergyWindow:       100 * time.Millisecond,
		MinEnergyVariation: 0.05,
	}
}

// LoadThresholds reads a YAML policy file on top of the defaults. Keys
// missing from the file keep their default value.
func LoadThresholds(path string) (Thresholds, error) {
	th := DefaultThresholds()
	if path == "" {
		return th, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return th, fmt.Errorf("reading validator file: %w", err)
	}
	if err := yaml.Unmarshal(data, &th); err != nil {
		return th, fmt.Errorf("parsing validator file: %w", err)
	}
	return th, nil
}

var bracketed = regexp.MustCompile(`^\s*[\[\(\*♪][^\]\)]*[\]\)\*♪]\s*$`)

// Validator applies Thresholds.
type Validator struct {
	th          Thresholds
	boilerplate map[string]struct{}
}

// New builds a Validator for th.
func New(th Thresholds) *Validator {
	v := &Validator{th: th, boilerplate: make(map[string]struct{}, len(th.Boilerplate))}
	for _, p := range th.Boilerplate {
		v.boilerplate[normalize(p)] = struct{}{}
	}
	return v
}

// IsValid reports whether text looks like real speech.
func (v *Validator) IsValid(text string) bool {
	return v.Check(text) == nil
}

// Check returns nil for acceptable text, otherwise an error wrapping
// ErrRejected that names the rule.
func (v *Validator) Check(text string) error {
	t := strings.TrimSpace(text)
	if utf8.RuneCountInString(t) < v.th.MinLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrRejected, v.th.MinLength)
	}
	if _, ok := v.boilerplate[normalize(t)]; ok {
		return fmt.Errorf("%w: boilerplate %q", ErrRejected, t)
	}
	if bracketed.MatchString(t) {
		return fmt.Errorf("%w: artifact marker %q", ErrRejected, t)
	}
	if run := longestRun(t); v.th.MaxCharRun > 0 && run > v.th.MaxCharRun {
		return fmt.Errorf("%w: character repeated %d times", ErrRejected, run)
	}
	if n := maxPhraseRepeat(t, v.th.MaxPhraseTokens); v.th.MaxTokenRepeat > 0 && n > v.th.MaxTokenRepeat {
		return fmt.Errorf("%w: phrase repeated %d times", ErrRejected, n)
	}
	if share, letters := dominantShare(t); letters >= v.th.MinLettersForShare && v.th.MaxLetterShare > 0 && share > v.th.MaxLetterShare {
		return fmt.Errorf("%w: one letter is %.0f%% of the text", ErrRejected, share*100)
	}
	return nil
}

// CheckSignal inspects the audio itself. It returns one of the
// signal-quality errors or nil.
func (v *Validator) CheckSignal(seg audio.Segment) error {
	if seg.Duration() < v.th.MinDuration {
		return fmt.Errorf("%w: %s", ErrTooShort, seg.Duration())
	}
	e := audio.Measure(seg.Mono(), seg.SampleRate, v.th.EnergyWindow)
	if e.RMS < v.th.SilenceFloor {
		return fmt.Errorf("%w: rms %.4f", ErrTooQuiet, e.RMS)
	}
	if v.th.SaturationCeil > 0 && e.RMS > v.th.SaturationCeil {
		return fmt.Errorf("%w: rms %.4f", ErrTooLoud, e.RMS)
	}
	if len(e.Windows) > 1 && e.Variation < v.th.MinEnergyVariation {
		return fmt.Errorf("%w: variation %.4f", ErrDigitalArtifact, e.Variation)
	}
	return nil
}

// IsSignalReject reports whether err is one of the signal-quality rejects.
func IsSignalReject(err error) bool {
	return errors.Is(err, ErrTooShort) || errors.Is(err, ErrTooQuiet) ||
		errors.Is(err, ErrTooLoud) || errors.Is(err, ErrDigitalArtifact)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ',' || r == '…'
	})
	return strings.Join(strings.Fields(s), " ")
}

func longestRun(s string) int {
	best, cur := 0, 0
	var prev rune = -1
	for _, r := range s {
		if unicode.IsSpace(r) {
			prev, cur = -1, 0
			continue
		}
		r = unicode.ToLower(r)
		if r == prev {
			cur++
		} else {
			prev, cur = r, 1
		}
		if cur > best {
			best = cur
		}
	}
	return best
}

func tokens(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) })
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// maxPhraseRepeat returns the largest number of consecutive repetitions of
// any phrase of 1..maxLen tokens.
func maxPhraseRepeat(s string, maxLen int) int {
	toks := tokens(s)
	if maxLen < 1 {
		maxLen = 1
	}
	best := 0
	if len(toks) > 0 {
		best = 1
	}
	for size := 1; size <= maxLen; size++ {
		for start := 0; start+size <= len(toks); start++ {
			count := 1
			for next := start + size; next+size <= len(toks) && samePhrase(toks, start, next, size); next += size {
				count++
			}
			if count > best {
				best = count
			}
		}
	}
	return best
}

func samePhrase(toks []string, a, b, size int) bool {
	for i := 0; i < size; i++ {
		if toks[a+i] != toks[b+i] {
			return false
		}
	}
	return true
}

// dominantShare returns the share of the most frequent letter and the total
// letter count. Letters in any script count, so ideographic text with many
// distinct characters is never penalized.
func dominantShare(s string) (float64, int) {
	counts := make(map[rune]int)
	total, top := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		r = unicode.ToLower(r)
		counts[r]++
		total++
		if counts[r] > top {
			top = counts[r]
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(top) / float64(total), total
}
