package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// CLIPTokenizer is the byte-pair tokenizer shipped with CLIP text encoders
// (vocab.json + merges.txt). Output rows are BOS ... EOS padded with EOS to
// MaxLen.
type CLIPTokenizer struct {
	Vocab  map[string]int
	ranks  map[MergePair]int
	BOS    int
	EOS    int
	MaxLen int
}

func LoadCLIPTokenizer(dir string) (*CLIPTokenizer, error) {
	vocabData, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, errors.Wrap(err, "read vocab")
	}
	vocab := make(map[string]int)
	if err := json.Unmarshal(vocabData, &vocab); err != nil {
		return nil, errors.Wrap(err, "parse vocab")
	}

	mergesData, err := os.ReadFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, errors.Wrap(err, "read merges")
	}
	ranks := make(map[MergePair]int)
	for _, line := range strings.Split(string(mergesData), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		p := MergePair{A: a, B: b}
		if _, dup := ranks[p]; !dup {
			ranks[p] = len(ranks)
		}
	}

	bos, ok := vocab["<|startoftext|>"]
	if !ok {
		return nil, errors.New("vocab lacks <|startoftext|>")
	}
	eos, ok := vocab["<|endoftext|>"]
	if !ok {
		return nil, errors.New("vocab lacks <|endoftext|>")
	}
	return &CLIPTokenizer{Vocab: vocab, ranks: ranks, BOS: bos, EOS: eos, MaxLen: 77}, nil
}

func (t *CLIPTokenizer) Encode(text string) []int {
	ids := []int{t.BOS}
	for _, word := range splitWords(strings.ToLower(strings.TrimSpace(text))) {
		for _, part := range t.bpe(word) {
			if id, ok := t.Vocab[part]; ok {
				ids = append(ids, id)
			}
		}
	}
	ids = append(ids, t.EOS)

	if len(ids) > t.MaxLen {
		ids = ids[:t.MaxLen]
		ids[t.MaxLen-1] = t.EOS
	}
	for len(ids) < t.MaxLen {
		ids = append(ids, t.EOS)
	}
	return ids
}

func (t *CLIPTokenizer) EncodeBatch(texts []string) [][]int {
	out := make([][]int, len(texts))
	for i, s := range texts {
		out[i] = t.Encode(s)
	}
	return out
}

// bpe merges the lowest-ranked adjacent pair until none applies. The last
// symbol carries the end-of-word marker.
func (t *CLIPTokenizer) bpe(word string) []string {
	runes := []rune(word)
	if len(runes) == 0 {
		return nil
	}
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	parts[len(parts)-1] += endOfWord

	for len(parts) > 1 {
		best, bestRank := -1, 0
		for i := 0; i+1 < len(parts); i++ {
			if r, ok := t.ranks[MergePair{parts[i], parts[i+1]}]; ok && (best < 0 || r < bestRank) {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		p := MergePair{parts[best], parts[best+1]}
		parts = mergeSymbols(parts, p, p.A+p.B)
	}
	return parts
}

func splitWords(text string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r):
			flush()
			words = append(words, string(r))
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}
