package util

import (
	"os"
	"strconv"
	"strings"
)

// SplitList splits a comma separated value, trimming blanks and dropping empty items.
func SplitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnvInt reads an integer variable, keeping def when it is unset or malformed.
func EnvInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

// EnvString overwrites *dst when key is set.
func EnvString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
