package format

import (
	"math/rand"
	"strings"
	"testing"

	"tgrelay/pkg/tgui"
)

func TestFormatScenario(t *testing.T) {
	t.Parallel()
	chunks := Format("URGENT outage", "details---irrelevant-after-delimiter", "---", "https://x.example/y")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	want := "URGENT outage\n\ndetails\n\nDetails: https://x.example/y"
	if chunks[0] != want {
		t.Fatalf("chunk = %q, want %q", chunks[0], want)
	}
}

func TestFormatTitleOnly(t *testing.T) {
	t.Parallel()
	chunks := Format("hello", "", "", "")
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("unexpected chunks: %q", chunks)
	}
}

func TestFormatTrimsTrailingWhitespace(t *testing.T) {
	t.Parallel()
	chunks := Format("t", "body \n\n  ", "", "")
	if chunks[0] != "t\n\nbody" {
		t.Fatalf("chunk = %q", chunks[0])
	}
}

func TestFormatDelimiterMissingKeepsBody(t *testing.T) {
	t.Parallel()
	chunks := Format("t", "whole body", "###", "")
	if chunks[0] != "t\n\nwhole body" {
		t.Fatalf("chunk = %q", chunks[0])
	}
}

func TestFormatEscapesMarkup(t *testing.T) {
	t.Parallel()
	chunks := Format(`<b>hi</b>`, `<a href="http://evil">click</a>`, "", "")
	if strings.ContainsAny(chunks[0], "<>") {
		t.Fatalf("markup survived: %q", chunks[0])
	}
	if !strings.Contains(chunks[0], "&lt;b&gt;hi&lt;/b&gt;") {
		t.Fatalf("expected escaped title, got %q", chunks[0])
	}
}

func TestFormatRepairsDoubleEscapedLink(t *testing.T) {
	t.Parallel()
	chunks := Format("t", "", "", `https:\/\/x.example\/y`)
	if !strings.HasSuffix(chunks[0], "Details: https://x.example/y") {
		t.Fatalf("link not repaired: %q", chunks[0])
	}
}

func TestFormatCustomLabel(t *testing.T) {
	t.Parallel()
	f := Formatter{LinkLabel: "详情"}
	chunks := f.Format("t", "", "", "https://x.example")
	if !strings.HasSuffix(chunks[0], "\n\n详情: https://x.example") {
		t.Fatalf("label not applied: %q", chunks[0])
	}
}

func TestSplitPrefersWhitespace(t *testing.T) {
	t.Parallel()
	got := Split("aaaa bbbb cccc", 10)
	want := []string{"aaaa bbbb ", "cccc"}
	if len(got) != len(want) {
		t.Fatalf("Split = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Split[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitHardCutAvoidsEntity(t *testing.T) {
	t.Parallel()
	s := "abcdefg&amp;xyz"
	got := Split(s, 10)
	if got[0] != "abcdefg" {
		t.Fatalf("first chunk = %q, want entity kept whole", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("join mismatch: %q", got)
	}
}

func TestFormatBoundsAndReconstructs(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune("abcdefghij <>&\"'\n\tñ漢🔥")
	gen := func(n int) string {
		rs := make([]rune, n)
		for i := range rs {
			rs[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(rs)
	}

	for _, limit := range []int{64, 200, MaxLen} {
		f := Formatter{MaxLen: limit}
		for i := 0; i < 200; i++ {
			title := "T" + gen(rng.Intn(limit/4+1))
			body := gen(rng.Intn(limit * 3))
			link := ""
			if i%2 == 0 {
				link = "https://x.example/" + strings.Repeat("p", rng.Intn(20))
			}

			chunks := f.Format(title, body, "", link)
			if len(chunks) == 0 {
				t.Fatalf("no chunks")
			}
			for j, c := range chunks {
				if n := tgui.UTF16Len(c); n > limit {
					t.Fatalf("limit=%d chunk %d has %d units", limit, j, n)
				}
			}

			joined := strings.Join(chunks, "")
			if link != "" {
				footer := f.footer(link)
				if !strings.HasSuffix(joined, footer) {
					t.Fatalf("missing footer in last chunk")
				}
				joined = strings.TrimSuffix(joined, footer)
				for _, c := range chunks[:len(chunks)-1] {
					if strings.Contains(c, footer) {
						t.Fatalf("footer outside last chunk")
					}
				}
			}
			if want := Text(title, body, ""); joined != want {
				t.Fatalf("limit=%d reconstruct mismatch\n got %q\nwant %q", limit, joined, want)
			}
		}
	}
}

func TestFormatOversizedLinkGetsOwnChunk(t *testing.T) {
	t.Parallel()
	f := Formatter{MaxLen: 50}
	link := "https://x.example/" + strings.Repeat("p", 100)
	chunks := f.Format("title", "", "", link)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %q", chunks)
	}
	if chunks[0] != "title" {
		t.Fatalf("first chunk = %q", chunks[0])
	}
	if n := tgui.UTF16Len(chunks[1]); n > 50 {
		t.Fatalf("footer chunk too long: %d", n)
	}
}

func TestSplitCountsUTF16Units(t *testing.T) {
	t.Parallel()
	body := strings.Repeat("🔥", 5000)
	chunks := Format("t", body, "", "")
	// 10000 units of emoji cannot fit in fewer than three chunks.
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for i, c := range chunks {
		if n := tgui.UTF16Len(c); n > MaxLen {
			t.Fatalf("chunk %d has %d units", i, n)
		}
	}
	if strings.Join(chunks, "") != Text("t", body, "") {
		t.Fatal("chunks do not reconstruct the text")
	}
}

func TestOversizedLinkNotCutInsideEntity(t *testing.T) {
	t.Parallel()
	f := Formatter{MaxLen: 40, LinkLabel: "L"}
	// "L: " is 3 units, so the 39 unit budget ends inside the first "&amp;".
	link := "https://x.example/" + strings.Repeat("a", 16) + "&b=" + strings.Repeat("c", 30)
	chunks := f.Format("title", "", "", link)
	own := chunks[len(chunks)-1]
	if n := tgui.UTF16Len(own); n > 40 {
		t.Fatalf("footer chunk has %d units", n)
	}
	body := strings.TrimSuffix(own, "…")
	if i := strings.LastIndexByte(body, '&'); i >= 0 && !strings.Contains(body[i:], ";") {
		t.Fatalf("cut inside entity: %q", own)
	}
	if !strings.HasSuffix(body, strings.Repeat("a", 16)) {
		t.Fatalf("footer chunk = %q", own)
	}
}
