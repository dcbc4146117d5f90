package address

import (
	"strings"
	"testing"
)

func TestParseAddressValid(t *testing.T) {
	cases := []string{"/a", "/a/b/c", "/lights/1/bri", "/a_b-c/d.e"}
	for _, c := range cases {
		if _, err := ParseAddress(c); err != nil {
			t.Errorf("ParseAddress(%q) = %v, want nil", c, err)
		}
	}
}

func TestParseAddressInvalid(t *testing.T) {
	cases := []string{"", "a/b", "/a/", "/a//b", "/a/*", "/a/**", "/"}
	for _, c := range cases {
		if _, err := ParseAddress(c); err == nil {
			t.Errorf("ParseAddress(%q) = nil, want error", c)
		}
	}
}

func TestParsePatternValid(t *testing.T) {
	cases := []string{"/a/*/c", "/a/**", "/**", "/a/**/c", "/a/*/**/b"}
	for _, c := range cases {
		if _, err := ParsePattern(c); err != nil {
			t.Errorf("ParsePattern(%q) = %v, want nil", c, err)
		}
	}
}

func TestMatchesExact(t *testing.T) {
	p, _ := ParsePattern("/a/b/c")
	a, _ := ParseAddress("/a/b/c")
	if !Matches(p, a) {
		t.Error("expected exact match")
	}
	a2, _ := ParseAddress("/a/b/d")
	if Matches(p, a2) {
		t.Error("expected no match")
	}
}

func TestMatchesSingleWildcard(t *testing.T) {
	p, _ := ParsePattern("/a/*/c")
	ok, _ := ParseAddress("/a/x/c")
	if !Matches(p, ok) {
		t.Error("expected single-segment wildcard to match")
	}
	tooDeep, _ := ParseAddress("/a/x/y/c")
	if Matches(p, tooDeep) {
		t.Error("single wildcard must not match multiple segments")
	}
}

func TestMatchesDoubleWildcard(t *testing.T) {
	p, _ := ParsePattern("/a/**")
	addrs := []string{"/a/b", "/a/b/c", "/a/b/c/d", "/a"}
	for _, s := range addrs {
		a, err := ParseAddress(s)
		if err != nil {
			continue // every address listed here parses; "/a" matches via a zero-segment "**"
		}
		if !Matches(p, a) {
			t.Errorf("expected %q to match /a/**", s)
		}
	}
}

func TestMatchesRootDoubleWildcard(t *testing.T) {
	p, _ := ParsePattern("/**")
	addrs := []string{"/a", "/a/b/c", "/x/y"}
	for _, s := range addrs {
		a, _ := ParseAddress(s)
		if !Matches(p, a) {
			t.Errorf("matches(\"/**\", %q) should always be true", s)
		}
	}
}

func TestMatchesDeduplicationScenario(t *testing.T) {
	p1, _ := ParsePattern("/a/*/c")
	p2, _ := ParsePattern("/a/**")

	abc, _ := ParseAddress("/a/b/c")
	if !Matches(p1, abc) || !Matches(p2, abc) {
		t.Fatal("both patterns should match /a/b/c")
	}

	abcd, _ := ParseAddress("/a/b/c/d")
	if Matches(p1, abcd) {
		t.Error("/a/*/c should not match /a/b/c/d")
	}
	if !Matches(p2, abcd) {
		t.Error("/a/** should match /a/b/c/d")
	}
}

func TestPrefixKey(t *testing.T) {
	p, _ := ParsePattern("/lights/*/bri")
	key := p.PrefixKey()
	if len(key) != 1 || key[0] != "lights" {
		t.Errorf("PrefixKey() = %v, want [lights]", key)
	}

	concrete, _ := ParsePattern("/a/b/c")
	key2 := concrete.PrefixKey()
	if len(key2) != 3 {
		t.Errorf("PrefixKey() of concrete pattern = %v, want full path", key2)
	}
}

func TestIsConcrete(t *testing.T) {
	p, _ := ParsePattern("/a/b")
	if !p.IsConcrete() {
		t.Error("expected concrete pattern")
	}
	p2, _ := ParsePattern("/a/*")
	if p2.IsConcrete() {
		t.Error("expected non-concrete pattern")
	}
}

func TestMaxDepthAndLength(t *testing.T) {
	long := "/a"
	for i := 0; i < MaxDepth; i++ {
		long += "/b"
	}
	if _, err := ParseAddress(long); err == nil {
		t.Error("expected depth-limit error")
	}
	tooLong := "/" + strings.Repeat("a", MaxLength)
	if _, err := ParseAddress(tooLong); err == nil {
		t.Error("expected length-limit error")
	}
}
