// Package file reads seeds from an environment variable or from files: one
// peer id per line (or comma-separated), '#' starting a comment. Path may be
// a glob.
package file

import (
    "bufio"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-consensus/pkg/discovery"
)

type Options struct {
    Path string
    // Env, when set and non-empty in the environment, wins over Path.
    Env string
    // Refresh bounds how long a read is cached. Default 5s.
    Refresh time.Duration
}

type source struct {
    opts Options

    mu    sync.Mutex
    read  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &source{opts: opts}
}

func (s *source) Seeds() []string {
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" {
            return normalize(strings.Split(v, ","))
        }
    }
    if s.opts.Path == "" {
        return nil
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    now := time.Now()
    if st, err := os.Stat(s.opts.Path); err == nil {
        if st.ModTime().After(s.mtime) || now.Sub(s.read) >= s.opts.Refresh {
            if seeds, err := readFile(s.opts.Path); err == nil {
                s.cache = seeds
            }
            s.read, s.mtime = now, st.ModTime()
        }
        return append([]string(nil), s.cache...)
    }
    if now.Sub(s.read) < s.opts.Refresh && s.cache != nil {
        return append([]string(nil), s.cache...)
    }
    matches, _ := filepath.Glob(s.opts.Path)
    if len(matches) == 0 {
        // keep serving the last good answer
        return append([]string(nil), s.cache...)
    }
    var all []string
    for _, m := range matches {
        seeds, err := readFile(m)
        if err != nil { continue }
        all = append(all, seeds...)
    }
    s.cache = normalize(all)
    s.read = now
    return append([]string(nil), s.cache...)
}

func readFile(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, err }
    defer f.Close()
    var seeds []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := sc.Text()
        if i := strings.IndexByte(line, '#'); i >= 0 {
            line = line[:i]
        }
        seeds = append(seeds, strings.Split(line, ",")...)
    }
    if err := sc.Err(); err != nil { return nil, err }
    return normalize(seeds), nil
}

// normalize trims, drops blanks, de-duplicates and sorts.
func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    for _, s := range in {
        if s = strings.TrimSpace(s); s != "" {
            set[s] = struct{}{}
        }
    }
    out := make([]string, 0, len(set))
    for s := range set {
        out = append(out, s)
    }
    sort.Strings(out)
    return out
}
