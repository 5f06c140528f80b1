// Package telemetry defines the records broadcast by the relay and the pure
// functions that turn inbound analysis datagrams into them.
//
// A [Record] is either a [Channeled] update (channel, feature key and value)
// or a [Raw] passthrough carrying the trimmed datagram text when the
// channel/key framing cannot be extracted. [Parse] never fails: every
// datagram maps to exactly one record.
package telemetry

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Record is one telemetry update. It is implemented only by [Channeled] and
// [Raw].
type Record interface {
	isRecord()
}

// Channeled is a successfully framed feature update.
type Channeled struct {
	// Channel identifies the analysed audio source, as sent upstream.
	Channel string `json:"channel"`

	// Key is the feature name with its first character lowercased
	// (e.g. "loudness").
	Key string `json:"key"`

	// Value is the feature payload with NUL and comma characters removed.
	// It is never interpreted numerically.
	Value string `json:"value"`
}

// Raw carries a datagram that could not be split into channel and key.
type Raw struct {
	Text string `json:"raw"`
}

func (Channeled) isRecord() {}
func (Raw) isRecord()       {}

// Parse converts one datagram's text into a [Record].
//
// The text is trimmed and split on whitespace. With fewer than two tokens the
// result is a [Raw]. Otherwise the first occurrence of "<channel> <key> " is
// removed from the text and what remains, minus NUL and comma characters,
// becomes the value.
func Parse(text string) Record {
	text = strings.TrimSpace(strings.ToValidUTF8(text, string(utf8.RuneError)))

	tokens := strings.Fields(text)
	if len(tokens) < 2 {
		return Raw{Text: text}
	}
	channel, key := tokens[0], tokens[1]

	value := strings.Replace(text, channel+" "+key+" ", "", 1)
	value = stripper.Replace(value)

	return Channeled{
		Channel: channel,
		Key:     lowerFirst(key),
		Value:   value,
	}
}

// stripper removes the characters upstream analysers pad values with.
var stripper = strings.NewReplacer("\x00", "", ",", "")

// lowerFirst lowercases the first character of s and leaves the rest as is.
func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	lr := unicode.ToLower(r)
	if lr == r {
		return s
	}
	return string(lr) + s[size:]
}

// Kind returns "channeled" or "raw" for rec. Used as a metric attribute.
func Kind(rec Record) string {
	if _, ok := rec.(Raw); ok {
		return "raw"
	}
	return "channeled"
}

// Encode serialises rec to the JSON wire shape sent to clients.
func Encode(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}
