// Package static provides a fixed seed list, typically from a flag.
package static

import (
    "strings"

    "github.com/amirimatin/go-consensus/pkg/discovery"
)

type seeds []string

func (s seeds) Seeds() []string { return append([]string(nil), s...) }

// New returns a Discovery that always returns the given seeds. Each argument
// may itself be a comma-separated list.
func New(list ...string) discovery.Discovery {
    var out seeds
    for _, v := range list {
        out = append(out, Parse(v)...)
    }
    return out
}

// Parse splits a comma-separated list, dropping blanks.
func Parse(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" {
            out = append(out, p)
        }
    }
    return out
}
