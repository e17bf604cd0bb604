// Package utils collects small string/byte helpers shared across the
// daemon's components, adapted from the teacher's pkg/utils.
package utils

import "strings"

// SplitLines splits a multiline string on newlines, stripping \r the same
// way pkg/utils.SplitLines does, and drops a single trailing empty line.
func SplitLines(multilineString string) []string {
	multilineString = strings.ReplaceAll(multilineString, "\r", "")
	if multilineString == "" || multilineString == "\n" {
		return make([]string, 0)
	}
	lines := strings.Split(multilineString, "\n")
	if lines[len(lines)-1] == "" {
		return lines[:len(lines)-1]
	}
	return lines
}

// CommonPrefixLen returns the length of the longest common byte prefix of
// a and b.
func CommonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
