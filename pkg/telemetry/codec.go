package telemetry

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hypebeast/go-osc/osc"
)

// Format selects how a listener interprets datagram payloads.
type Format string

const (
	// FormatText is space-delimited "<channel> <key> <value...>" text.
	FormatText Format = "text"

	// FormatOSC is an Open Sound Control packet addressed "/<channel>/<key>".
	FormatOSC Format = "osc"
)

// IsValid reports whether f is a recognised format.
func (f Format) IsValid() bool {
	return f == FormatText || f == FormatOSC
}

// Decode turns one datagram payload into records. Text payloads always yield
// exactly one record. OSC bundles yield one record per contained message; a
// payload that is not valid OSC yields a single [Raw].
func Decode(f Format, payload []byte) []Record {
	if f != FormatOSC {
		return []Record{Parse(string(payload))}
	}

	pkt, err := osc.ParsePacket(string(payload))
	if err != nil {
		return []Record{rawOf(payload)}
	}

	var recs []Record
	walkOSC(pkt, func(msg *osc.Message) {
		recs = append(recs, Parse(oscText(msg)))
	})
	if len(recs) == 0 {
		return []Record{rawOf(payload)}
	}
	return recs
}

func rawOf(payload []byte) Raw {
	return Raw{Text: strings.TrimSpace(strings.ToValidUTF8(string(payload), string(utf8.RuneError)))}
}

// walkOSC calls fn for every message in pkt, descending into nested bundles.
func walkOSC(pkt osc.Packet, fn func(*osc.Message)) {
	switch p := pkt.(type) {
	case *osc.Message:
		fn(p)
	case *osc.Bundle:
		for _, m := range p.Messages {
			fn(m)
		}
		for _, b := range p.Bundles {
			walkOSC(b, fn)
		}
	}
}

// oscText renders msg in the text framing so both formats share [Parse]:
// "/3/Loudness" with argument 0.742 becomes "3 Loudness 0.742".
func oscText(msg *osc.Message) string {
	parts := strings.FieldsFunc(msg.Address, func(r rune) bool { return r == '/' })
	for _, arg := range msg.Arguments {
		parts = append(parts, oscArg(arg))
	}
	return strings.Join(parts, " ")
}

func oscArg(arg any) string {
	switch v := arg.(type) {
	case string:
		return v
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case []byte:
		return string(v)
	case nil:
		return "nil"
	default:
		return fmt.Sprint(v)
	}
}
