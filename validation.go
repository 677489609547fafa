package main

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	maxNameLen = 20
	// seq values above 2^53 cannot round-trip through a browser client
	maxInputSeq = 1 << 53
)

var inputFlagKeys = [...]string{"left", "right", "jump", "attack"}

// ValidateInput checks the structure of a raw INPUT packet. Extra fields are
// ignored. ok is false for anything malformed; the caller drops it silently.
func ValidateInput(raw []byte) (InputPacket, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return InputPacket{}, false
	}

	seq, ok := nonNegativeNumber(fields["seq"])
	if !ok || seq > maxInputSeq || seq != float64(int64(seq)) {
		return InputPacket{}, false
	}
	tick, ok := nonNegativeNumber(fields["tick"])
	if !ok {
		return InputPacket{}, false
	}

	var flags map[string]json.RawMessage
	if err := json.Unmarshal(fields["inputs"], &flags); err != nil || flags == nil {
		return InputPacket{}, false
	}
	var values [len(inputFlagKeys)]bool
	for i, key := range inputFlagKeys {
		v, present := flags[key]
		if !present {
			continue
		}
		if isNull(v) {
			return InputPacket{}, false
		}
		if err := json.Unmarshal(v, &values[i]); err != nil {
			return InputPacket{}, false
		}
	}

	return InputPacket{
		Seq:  int64(seq),
		Tick: tick,
		Inputs: InputFlags{
			Left:   values[0],
			Right:  values[1],
			Jump:   values[2],
			Attack: values[3],
		},
	}, true
}

func nonNegativeNumber(raw json.RawMessage) (float64, bool) {
	if raw == nil || isNull(raw) {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, n >= 0
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// SanitizeName trims a display name to maxLen runes and strips angle brackets
func SanitizeName(s string, maxLen int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) > maxLen {
		r = r[:maxLen]
	}
	return strings.NewReplacer("<", "", ">", "").Replace(string(r))
}
