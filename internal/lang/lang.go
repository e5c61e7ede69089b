// Package lang normalizes language tags exchanged between the recognizers,
// the translation providers and the speech sink.
package lang

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Auto is the source-language sentinel meaning "detect from speech".
const Auto = "auto"

// common lists the languages whose English names are accepted in place of a
// tag. Recognizers in verbose mode report "english" rather than "en".
var common = []string{
	"ar", "bg", "ca", "cs", "cy", "da", "de", "el", "en", "es", "et", "fa", "fi",
	"fr", "he", "hi", "hr", "hu", "id", "it", "ja", "ko", "lt", "lv", "ms", "nl",
	"no", "pl", "pt", "ro", "ru", "sk", "sl", "sr", "sv", "sw", "ta", "th", "tl",
	"tr", "uk", "ur", "vi", "zh",
}

var byName = func() map[string]string {
	names := display.English.Languages()
	m := make(map[string]string, len(common))
	for _, code := range common {
		m[strings.ToLower(names.Name(language.Make(code)))] = code
	}
	return m
}()

// Normalize reduces a tag or English language name to its lowercase base
// language ("en-US" and "English" both become "en"). Auto is returned as is;
// unrecognized input yields "".
func Normalize(tag string) string {
	s := strings.ToLower(strings.TrimSpace(tag))
	if s == "" {
		return ""
	}
	if s == Auto {
		return Auto
	}
	if code, ok := byName[s]; ok {
		return code
	}
	t, err := language.Parse(s)
	if err != nil {
		return ""
	}
	base, conf := t.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

// Equal reports whether two tags name the same base language.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// Resolve picks the concrete source language: source itself unless it is
// Auto, then the last detected language, then fallback.
func Resolve(source, detected, fallback string) string {
	if s := Normalize(source); s != "" && s != Auto {
		return s
	}
	if d := Normalize(detected); d != "" && d != Auto {
		return d
	}
	return Normalize(fallback)
}

// Regional returns a BCP 47 tag with the most likely region for tag, used
// for recognizer and voice selection ("en" becomes "en-US", "pt" "pt-BR").
// Auto maps to en-US.
func Regional(tag string) string {
	s := Normalize(tag)
	if s == "" || s == Auto {
		return "en-US"
	}
	t := language.Make(s)
	base, _ := t.Base()
	region, conf := t.Region()
	if conf == language.No {
		return base.String()
	}
	return base.String() + "-" + region.String()
}

// Name returns the English display name for tag.
func Name(tag string) string {
	s := Normalize(tag)
	switch s {
	case Auto:
		return "Auto-detected"
	case "":
		return tag
	}
	if n := display.English.Languages().Name(language.Make(s)); n != "" {
		return n
	}
	return s
}
