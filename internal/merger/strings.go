package merger

import (
	"strings"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// hunk replaces the ancestor tokens [start, end) with tokens.
type hunk struct {
	start  int
	end    int
	tokens []rune
}

// mergeStrings is a three-way merge over sentence tokens. Edits that touch disjoint parts of
// the ancestor are all applied; where local and remote edit the same stretch the remote text wins.
// A sentence inserted next to an edited one is a separate edit and lands ahead of it.
func mergeStrings(ancestor, local, remote string) string {
	if local == remote {
		return remote
	}
	table := newTokenTable()
	ancestorRunes := table.encode(tokenizeSentences(ancestor))
	localHunks := hunksFor(ancestorRunes, table.encode(tokenizeSentences(local)))
	remoteHunks := hunksFor(ancestorRunes, table.encode(tokenizeSentences(remote)))

	var merged []rune
	position := 0
	for li, ri := 0, 0; li < len(localHunks) || ri < len(remoteHunks); {
		var group struct {
			start, end    int
			local, remote []hunk
		}
		first := true
		take := func(h hunk, fromLocal bool) {
			if first {
				group.start, group.end = h.start, h.end
				first = false
			}
			if h.end > group.end {
				group.end = h.end
			}
			if fromLocal {
				group.local = append(group.local, h)
			} else {
				group.remote = append(group.remote, h)
			}
		}
		if ri == len(remoteHunks) || (li < len(localHunks) && !precedes(remoteHunks[ri], localHunks[li])) {
			take(localHunks[li], true)
			li++
		} else {
			take(remoteHunks[ri], false)
			ri++
		}
		overlaps := func(h hunk) bool {
			for _, member := range group.local {
				if conflicts(member, h) {
					return true
				}
			}
			for _, member := range group.remote {
				if conflicts(member, h) {
					return true
				}
			}
			return false
		}
		for {
			if li < len(localHunks) && overlaps(localHunks[li]) {
				take(localHunks[li], true)
				li++
				continue
			}
			if ri < len(remoteHunks) && overlaps(remoteHunks[ri]) {
				take(remoteHunks[ri], false)
				ri++
				continue
			}
			break
		}

		merged = append(merged, ancestorRunes[position:group.start]...)
		winner := group.remote
		if len(winner) == 0 {
			winner = group.local
		}
		merged = append(merged, render(ancestorRunes, group.start, group.end, winner)...)
		position = group.end
	}
	merged = append(merged, ancestorRunes[position:]...)
	return table.decode(string(merged))
}

func (h hunk) insertion() bool { return h.start == h.end }

// precedes orders hunks by start, with an insertion ahead of a replacement at the same point.
func precedes(a, b hunk) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.insertion() && !b.insertion()
}

// conflicts reports whether two hunks change the same stretch of the ancestor. An insertion
// conflicts with another insertion at the same point or with a replacement it falls inside;
// an insertion at either edge of a replacement does not.
func conflicts(a, b hunk) bool {
	switch {
	case a.insertion() && b.insertion():
		return a.start == b.start
	case a.insertion():
		return b.start < a.start && a.start < b.end
	case b.insertion():
		return a.start < b.start && b.start < a.end
	default:
		return a.start < b.end && b.start < a.end
	}
}

// render applies hunks, sorted and all within [start, end), to that stretch of the ancestor.
func render(ancestor []rune, start, end int, hunks []hunk) []rune {
	var out []rune
	position := start
	for _, h := range hunks {
		out = append(out, ancestor[position:h.start]...)
		out = append(out, h.tokens...)
		position = h.end
	}
	return append(out, ancestor[position:end]...)
}

// hunksFor lists the edits that turn ancestor into side, in ancestor order.
func hunksFor(ancestor, side []rune) []hunk {
	var hunks []hunk
	var current *hunk
	position := 0
	for _, segment := range diffTokens(ancestor, side) {
		runes := []rune(segment.Text)
		if segment.Type == diffmatchpatch.DiffEqual {
			if current != nil {
				hunks = append(hunks, *current)
				current = nil
			}
			position += len(runes)
			continue
		}
		if current == nil {
			current = &hunk{start: position, end: position}
		}
		if segment.Type == diffmatchpatch.DiffDelete {
			position += len(runes)
			current.end = position
		} else {
			current.tokens = append(current.tokens, runes...)
		}
	}
	if current != nil {
		hunks = append(hunks, *current)
	}
	return hunks
}

func diffTokens(from, to []rune) []diffmatchpatch.Diff {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return dmp.DiffMainRunes(from, to, false)
}

// tokenizeSentences splits text into sentences and the whitespace runs between them.
// A sentence ends at '.', '!' or '?' followed by whitespace or the end of the text.
func tokenizeSentences(text string) []string {
	var tokens []string
	runes := []rune(text)
	start := 0
	for start < len(runes) {
		end := start
		if unicode.IsSpace(runes[start]) {
			for end < len(runes) && unicode.IsSpace(runes[end]) {
				end++
			}
		} else {
			end = sentenceEnd(runes, start)
		}
		tokens = append(tokens, string(runes[start:end]))
		start = end
	}
	return tokens
}

func sentenceEnd(runes []rune, start int) int {
	for index := start; index < len(runes); index++ {
		switch runes[index] {
		case '.', '!', '?':
			if index+1 == len(runes) || unicode.IsSpace(runes[index+1]) {
				return index + 1
			}
		}
	}
	end := len(runes)
	for end > start+1 && unicode.IsSpace(runes[end-1]) {
		end--
	}
	return end
}

// tokenTable maps each distinct token to a rune so token sequences can be diffed as text.
type tokenTable struct {
	index  map[string]rune
	values []string
}

func newTokenTable() *tokenTable {
	return &tokenTable{index: make(map[string]rune)}
}

func (t *tokenTable) encode(tokens []string) []rune {
	encoded := make([]rune, len(tokens))
	for position, token := range tokens {
		code, ok := t.index[token]
		if !ok {
			code = runeFor(len(t.values))
			t.index[token] = code
			t.values = append(t.values, token)
		}
		encoded[position] = code
	}
	return encoded
}

func (t *tokenTable) tokens(encoded string) []string {
	var tokens []string
	for _, code := range encoded {
		tokens = append(tokens, t.values[indexFor(code)])
	}
	return tokens
}

func (t *tokenTable) decode(encoded string) string {
	return strings.Join(t.tokens(encoded), "")
}

// Token codes skip the surrogate block so they survive the string conversions inside the diff.
const (
	surrogateStart = 0xD800
	surrogateSize  = 0x800
)

func runeFor(position int) rune {
	code := rune(position + 1)
	if code >= surrogateStart {
		code += surrogateSize
	}
	return code
}

func indexFor(code rune) int {
	if code >= surrogateStart+surrogateSize {
		code -= surrogateSize
	}
	return int(code) - 1
}
