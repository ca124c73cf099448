package wm

import (
	"strconv"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

// TimeTag is the identity of one WME. Client-minted tags are negative;
// kernel-assigned tags are positive.
type TimeTag int64

// IsLocal reports whether the tag was minted by this process.
func (t TimeTag) IsLocal() bool { return t < 0 }

var (
	timeTagCounter atomic.Int64
	idCounter      atomic.Int64
)

// GenerateTimeTag returns the next client-side tag. Values strictly decrease.
func GenerateTimeTag() TimeTag {
	return TimeTag(-timeTagCounter.Add(1))
}

// GenerateNewID returns a client identifier name: the lowercased first letter
// of attribute (or 'a') followed by a process-wide counter.
func GenerateNewID(attribute string) string {
	letter := 'a'
	if r, _ := utf8.DecodeRuneInString(attribute); r != utf8.RuneError && unicode.IsLetter(r) {
		letter = unicode.ToLower(r)
	}
	return string(letter) + strconv.FormatInt(idCounter.Add(1), 10)
}
