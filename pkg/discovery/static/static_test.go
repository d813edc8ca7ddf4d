package static

import "testing"

func TestParse(t *testing.T) {
    cases := []struct {
        in   string
        want []string
    }{
        {"", nil},
        {"a:1", []string{"a:1"}},
        {" a:1 , b:2 ", []string{"a:1", "b:2"}},
        {",,a:1, ,b:2,", []string{"a:1", "b:2"}},
    }
    for _, c := range cases {
        got := Parse(c.in)
        if len(got) != len(c.want) {
            t.Fatalf("len mismatch for %q: got %d want %d", c.in, len(got), len(c.want))
        }
        for i := range got {
            if got[i] != c.want[i] {
                t.Fatalf("item %d for %q: got %q want %q", i, c.in, got[i], c.want[i])
            }
        }
    }
}

func TestNewSplitsAndCopies(t *testing.T) {
    d := New("a:1,b:2", " ", "c:3")
    got := d.Seeds()
    if len(got) != 3 || got[2] != "c:3" { t.Fatalf("unexpected seeds %v", got) }
    got[0] = "mutated"
    if d.Seeds()[0] != "a:1" { t.Fatalf("Seeds must return a copy") }
}
