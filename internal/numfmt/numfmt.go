// Package numfmt parses locale formatted non-negative integers such as the
// download counts rendered by registry web pages ("1,234,567", "1.234.567",
// "1 234 567", "4.5B").
package numfmt

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

// Parse failures. Returned errors wrap one of these.
var (
	ErrEmpty       = errors.New("empty number")
	ErrNegative    = errors.New("negative number")
	ErrSyntax      = errors.New("invalid number syntax")
	ErrFractional  = errors.New("number is not an integer")
	ErrRange       = errors.New("number out of range")
	ErrUnsupported = errors.New("unsupported locale")
)

type symbols struct {
	group   []rune
	decimal rune
}

var (
	commaGroup = symbols{group: []rune{','}, decimal: '.'}
	dotGroup   = symbols{group: []rune{'.'}, decimal: ','}
	spaceGroup = symbols{group: []rune{' ', '\u00a0', '\u202f'}, decimal: ','}
	swissGroup = symbols{group: []rune{'’', '\''}, decimal: '.'}
)

// The first entry is the matcher's fallback.
var supported = []struct {
	tag  language.Tag
	syms symbols
}{
	{language.AmericanEnglish, commaGroup},
	{language.English, commaGroup},
	{language.Japanese, commaGroup},
	{language.Chinese, commaGroup},
	{language.Korean, commaGroup},
	{language.MustParse("de-CH"), swissGroup},
	{language.German, dotGroup},
	{language.Spanish, dotGroup},
	{language.Italian, dotGroup},
	{language.Dutch, dotGroup},
	{language.Portuguese, dotGroup},
	{language.Turkish, dotGroup},
	{language.Danish, dotGroup},
	{language.Indonesian, dotGroup},
	{language.French, spaceGroup},
	{language.Russian, spaceGroup},
	{language.Polish, spaceGroup},
	{language.Swedish, spaceGroup},
	{language.Czech, spaceGroup},
	{language.Finnish, spaceGroup},
	{language.Norwegian, spaceGroup},
	{language.Ukrainian, spaceGroup},
}

var matcher = func() language.Matcher {
	tags := make([]language.Tag, len(supported))
	for i, s := range supported {
		tags[i] = s.tag
	}
	return language.NewMatcher(tags)
}()

// Parser converts formatted counts for one locale.
type Parser struct {
	tag  language.Tag
	syms symbols
}

// New returns a Parser for a BCP 47 locale ("en-US", "de", "fr-CA").
// POSIX style names ("en_US.UTF-8") are accepted.
func New(locale string) (*Parser, error) {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexByte(locale, '.'); i >= 0 {
		locale = locale[:i]
	}
	locale = strings.ReplaceAll(locale, "_", "-")
	if locale == "" {
		locale = "en-US"
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrUnsupported, locale, err)
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return nil, fmt.Errorf("%w %q", ErrUnsupported, locale)
	}
	return &Parser{tag: tag, syms: supported[idx].syms}, nil
}

// Locale returns the tag the parser was built for.
func (p *Parser) Locale() string { return p.tag.String() }

// ParseCount parses a non-negative integer. A trailing compact suffix
// (K, M, B) scales the value; any fraction left after scaling is truncated.
func (p *Parser) ParseCount(text string) (int64, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, ErrEmpty
	}
	mult, s := splitCompact(s)
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "−") {
		return 0, fmt.Errorf("%w: %q", ErrNegative, text)
	}

	var intDigits, fracDigits strings.Builder
	seenDecimal := false
	prevDigit := false
	// groupLen counts digits since the last group separator; grouped is set
	// once one has been seen. Leading groups hold 1-3 digits, later ones 3.
	groupLen := 0
	grouped := false
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r >= '0' && r <= '9':
			if seenDecimal {
				fracDigits.WriteRune(r)
			} else {
				intDigits.WriteRune(r)
				groupLen++
			}
			prevDigit = true
		case r == p.syms.decimal && !seenDecimal && prevDigit:
			if grouped && groupLen != 3 {
				return 0, fmt.Errorf("%w: %q", ErrSyntax, text)
			}
			seenDecimal = true
			prevDigit = false
		case p.isGroup(r) && !seenDecimal && prevDigit && i+1 < len(runes) && isASCIIDigit(runes[i+1]):
			if (grouped && groupLen != 3) || groupLen > 3 {
				return 0, fmt.Errorf("%w: %q", ErrSyntax, text)
			}
			grouped = true
			groupLen = 0
			prevDigit = false
		default:
			return 0, fmt.Errorf("%w: %q", ErrSyntax, text)
		}
	}
	if intDigits.Len() == 0 || (seenDecimal && fracDigits.Len() == 0) {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, text)
	}
	if grouped && !seenDecimal && groupLen != 3 {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, text)
	}

	whole, err := strconv.ParseInt(intDigits.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrRange, text)
	}
	if whole > math.MaxInt64/mult {
		return 0, fmt.Errorf("%w: %q", ErrRange, text)
	}
	value := whole * mult

	frac := strings.TrimRight(fracDigits.String(), "0")
	if frac == "" {
		return value, nil
	}
	if mult == 1 {
		return 0, fmt.Errorf("%w: %q", ErrFractional, text)
	}
	scaled := int64(0)
	unit := mult
	for _, d := range frac {
		unit /= 10
		if unit == 0 {
			break
		}
		scaled += int64(d-'0') * unit
	}
	if value > math.MaxInt64-scaled {
		return 0, fmt.Errorf("%w: %q", ErrRange, text)
	}
	return value + scaled, nil
}

func (p *Parser) isGroup(r rune) bool {
	for _, g := range p.syms.group {
		if r == g {
			return true
		}
	}
	return false
}

func splitCompact(s string) (int64, string) {
	last := s[len(s)-1]
	var mult int64
	switch unicode.ToUpper(rune(last)) {
	case 'K':
		mult = 1_000
	case 'M':
		mult = 1_000_000
	case 'B':
		mult = 1_000_000_000
	default:
		return 1, s
	}
	return mult, strings.TrimSpace(s[:len(s)-1])
}

func isASCIIDigit(r rune) bool { return r >= '0' && r <= '9' }
