package answer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"docqa/internal/retrieval"
)

const SystemInstruction = `You answer questions using ONLY the numbered document excerpts you are given.
Rules:
1. Do not use outside or world knowledge, and do not guess.
2. If the excerpts do not contain the answer, reply exactly: "` + RefusalText + `"
3. Cite every excerpt you rely on with its number in square brackets, for example [1] or [2, 3].
4. Keep the answer short and focused on the question.
5. If excerpts disagree, say so and cite each of them.`

// Excerpt is a passage as numbered in the prompt.
type Excerpt struct {
	N       int
	Passage retrieval.Passage
}

type Prompt struct {
	System   string
	Excerpts []Excerpt
	Question string
}

// UserText renders the excerpts and question.
func (p Prompt) UserText() string {
	var b strings.Builder
	b.WriteString("DOCUMENT EXCERPTS (use ONLY these to answer):\n")
	for _, e := range p.Excerpts {
		fmt.Fprintf(&b, "--- [%d] %s | document=%s | page=%d ---\n", e.N, e.Passage.Filename, e.Passage.DocumentID, e.Passage.Page)
		b.WriteString(e.Passage.Text)
		b.WriteString("\n\n")
	}
	b.WriteString("END OF EXCERPTS\n\nQUESTION:\n")
	b.WriteString(p.Question)
	b.WriteString("\n\nAnswer using ONLY the excerpts above. If the answer is not present, reply exactly: \"")
	b.WriteString(RefusalText)
	b.WriteString("\"")
	return b.String()
}

var citationRe = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)

// citedExcerpts returns the excerpt numbers referenced in reply, in order of
// first mention. Numbers outside 1..n are ignored. A reply without any
// valid marker cites every excerpt.
func citedExcerpts(reply string, n int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range citationRe.FindAllStringSubmatch(reply, -1) {
		for _, part := range strings.Split(m[1], ",") {
			k, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || k < 1 || k > n || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		for k := 1; k <= n; k++ {
			out = append(out, k)
		}
	}
	return out
}
