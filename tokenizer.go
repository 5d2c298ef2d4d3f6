package main

import (
	"sort"
	"strings"
)

const (
	tokPAD = "<PAD>"
	tokBOS = "<BOS>"
	tokEOS = "<EOS>"

	endOfWord = "</w>"
)

type MergePair struct {
	A string
	B string
}

// Tokenizer is a character vocabulary with optional BPE merges on top.
// Merges only add tokens; character ids never move.
type Tokenizer struct {
	Tokens []string
	Stoi   map[string]int
	Merges []MergePair

	mergeRank map[MergePair]int
}

// NewTokenizer builds a character vocabulary from printable ASCII plus every
// rune found in docs.
func NewTokenizer(docs []string) *Tokenizer {
	charSet := make(map[string]bool)
	for c := ' '; c <= '~'; c++ {
		charSet[string(c)] = true
	}
	for _, d := range docs {
		for _, ch := range d {
			if ch == '\n' || ch == '\r' || ch == '\t' {
				continue
			}
			charSet[string(ch)] = true
		}
	}
	chars := make([]string, 0, len(charSet))
	for ch := range charSet {
		chars = append(chars, ch)
	}
	sort.Strings(chars)

	tokens := append(chars, tokPAD, tokBOS, tokEOS)
	return newTokenizerFromTokens(tokens, nil)
}

func newTokenizerFromTokens(tokens []string, merges []MergePair) *Tokenizer {
	t := &Tokenizer{Tokens: tokens, Stoi: make(map[string]int, len(tokens))}
	for i, tok := range tokens {
		t.Stoi[tok] = i
	}
	t.setMerges(merges)
	return t
}

func (t *Tokenizer) setMerges(merges []MergePair) {
	t.Merges = merges
	t.mergeRank = make(map[MergePair]int, len(merges))
	for i, p := range merges {
		if _, ok := t.mergeRank[p]; !ok {
			t.mergeRank[p] = i
		}
	}
}

func (t *Tokenizer) VocabSize() int { return len(t.Tokens) }
func (t *Tokenizer) PAD() int       { return t.Stoi[tokPAD] }
func (t *Tokenizer) BOS() int       { return t.Stoi[tokBOS] }
func (t *Tokenizer) EOS() int       { return t.Stoi[tokEOS] }

func (t *Tokenizer) isSpecial(id int) bool {
	return id == t.PAD() || id == t.BOS() || id == t.EOS()
}

func wordToSymbols(word string) []string {
	syms := make([]string, 0, len(word)+1)
	for _, ch := range word {
		syms = append(syms, string(ch))
	}
	return append(syms, endOfWord)
}

// TrainBPE learns up to numMerges merges from whitespace-split docs.
func (t *Tokenizer) TrainBPE(docs []string, numMerges int) {
	words := strings.Fields(strings.Join(docs, " "))
	if len(words) == 0 || numMerges <= 0 {
		return
	}

	vocab := make(map[string]int)
	seqs := make(map[string][]string)
	for _, w := range words {
		syms := wordToSymbols(w)
		key := strings.Join(syms, "\x00")
		vocab[key]++
		seqs[key] = syms
	}

	merges := append([]MergePair(nil), t.Merges...)
	for iter := 0; iter < numMerges; iter++ {
		pairs := make(map[MergePair]int)
		for key, freq := range vocab {
			syms := seqs[key]
			for i := 0; i+1 < len(syms); i++ {
				pairs[MergePair{syms[i], syms[i+1]}] += freq
			}
		}
		if len(pairs) == 0 {
			break
		}

		// Ties break lexicographically so training is reproducible.
		var best MergePair
		bestCount := 0
		for p, c := range pairs {
			if c > bestCount || (c == bestCount && (p.A+"\x00"+p.B) < (best.A+"\x00"+best.B)) {
				best, bestCount = p, c
			}
		}
		if bestCount < 2 {
			break
		}

		merged := best.A + best.B
		merges = append(merges, best)

		nextVocab := make(map[string]int)
		nextSeqs := make(map[string][]string)
		for key, freq := range vocab {
			syms := mergeSymbols(seqs[key], best, merged)
			nk := strings.Join(syms, "\x00")
			nextVocab[nk] += freq
			nextSeqs[nk] = syms
		}
		vocab, seqs = nextVocab, nextSeqs

		if _, ok := t.Stoi[merged]; !ok {
			t.Stoi[merged] = len(t.Tokens)
			t.Tokens = append(t.Tokens, merged)
		}
	}
	t.setMerges(merges)
}

func mergeSymbols(syms []string, p MergePair, merged string) []string {
	out := make([]string, 0, len(syms))
	for i := 0; i < len(syms); {
		if i+1 < len(syms) && syms[i] == p.A && syms[i+1] == p.B {
			out = append(out, merged)
			i += 2
		} else {
			out = append(out, syms[i])
			i++
		}
	}
	return out
}

func (t *Tokenizer) applyBPE(word string) []string {
	symbols := wordToSymbols(word)
	for len(symbols) >= 2 {
		bestRank, bestIdx := -1, -1
		for i := 0; i+1 < len(symbols); i++ {
			if r, ok := t.mergeRank[MergePair{symbols[i], symbols[i+1]}]; ok && (bestIdx < 0 || r < bestRank) {
				bestRank, bestIdx = r, i
			}
		}
		if bestIdx < 0 {
			break
		}
		p := MergePair{symbols[bestIdx], symbols[bestIdx+1]}
		symbols = mergeSymbols(symbols, p, p.A+p.B)
	}
	return symbols
}

// Encode returns BOS followed by the ids of s. No EOS is appended, so the
// result can be continued by generation.
func (t *Tokenizer) Encode(s string) []int {
	s = strings.TrimSpace(s)
	ids := []int{t.BOS()}
	if len(t.Merges) == 0 {
		for _, ch := range s {
			if id, ok := t.Stoi[string(ch)]; ok {
				ids = append(ids, id)
			}
		}
		return ids
	}

	words := strings.Fields(s)
	for wi, w := range words {
		for _, sym := range t.applyBPE(w) {
			if sym == endOfWord {
				continue
			}
			if id, ok := t.Stoi[sym]; ok {
				ids = append(ids, id)
			} else {
				// Unmerged "x</w>" tails fall back to the bare character.
				if id, ok := t.Stoi[strings.TrimSuffix(sym, endOfWord)]; ok {
					ids = append(ids, id)
				}
			}
		}
		if wi != len(words)-1 {
			ids = append(ids, t.Stoi[" "])
		}
	}
	return ids
}

// EncodeBatch encodes texts and left-pads every row to the longest one.
// valid is false exactly on the padding.
func (t *Tokenizer) EncodeBatch(texts []string) (tokens [][]int, valid [][]bool) {
	rows := make([][]int, len(texts))
	maxLen := 0
	for i, s := range texts {
		rows[i] = t.Encode(s)
		if len(rows[i]) > maxLen {
			maxLen = len(rows[i])
		}
	}
	tokens = make([][]int, len(texts))
	valid = make([][]bool, len(texts))
	for i, row := range rows {
		pad := maxLen - len(row)
		tokens[i] = make([]int, maxLen)
		valid[i] = make([]bool, maxLen)
		for j := 0; j < pad; j++ {
			tokens[i][j] = t.PAD()
		}
		copy(tokens[i][pad:], row)
		for j := pad; j < maxLen; j++ {
			valid[i][j] = true
		}
	}
	return tokens, valid
}

// Decode joins token strings verbatim. With skipSpecial, PAD, BOS and EOS
// are dropped wherever they occur. Once merges exist, a merged token ending
// in the word marker reads as its stem plus a space, unless a space token or
// the end of the text already follows it.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		if skipSpecial && t.isSpecial(id) {
			continue
		}
		parts = append(parts, t.Tokens[id])
	}
	var sb strings.Builder
	for i, p := range parts {
		if len(t.Merges) == 0 || len(p) <= len(endOfWord) || !strings.HasSuffix(p, endOfWord) {
			sb.WriteString(p)
			continue
		}
		sb.WriteString(strings.TrimSuffix(p, endOfWord))
		if i+1 < len(parts) && parts[i+1] != " " {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}
