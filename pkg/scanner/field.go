// Package scanner pulls single fields out of JSON payloads without decoding them.
package scanner

import "bytes"

// StringField returns the raw value of the first string field named by key, where key includes
// its quotes. Escapes are not interpreted.
func StringField(payload []byte, key []byte) ([]byte, bool) {
	idx := bytes.Index(payload, key)
	if len(key) == 0 || idx < 0 {
		return nil, false
	}
	i := skipSpace(payload, idx+len(key))
	if i >= len(payload) || payload[i] != ':' {
		return nil, false
	}
	i = skipSpace(payload, i+1)
	if i >= len(payload) || payload[i] != '"' {
		return nil, false
	}
	start := i + 1
	end := bytes.IndexByte(payload[start:], '"')
	if end < 0 {
		return nil, false
	}
	return payload[start : start+end], true
}

func skipSpace(payload []byte, i int) int {
	for i < len(payload) && isSpace(payload[i]) {
		i++
	}
	return i
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
