package main

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Embedder maps preprocessed images and tokenized texts into one shared
// vector space.
type Embedder interface {
	EncodeImage(pixels []float32) ([]float64, error)
	EncodeText(tokens [][]int) ([][]float64, error)
	// Tokenize is the embedder's own tokenizer.
	Tokenize(texts []string) [][]int
}

// embedderBackends is extended by build-tagged files.
var embedderBackends = map[string]func(cfg Config) (Embedder, error){
	"hash": func(cfg Config) (Embedder, error) {
		return NewHashEmbedder(cfg.EmbedDim, cfg.Seed), nil
	},
}

func newEmbedder(cfg Config) (Embedder, error) {
	mk, ok := embedderBackends[cfg.Embedder]
	if !ok {
		names := sortedKeys(embedderBackends)
		return nil, errors.Errorf("embedder %q not available (built with: %s)", cfg.Embedder, strings.Join(names, ", "))
	}
	return mk(cfg)
}

// AngularDistance is arccos of the cosine similarity, with the cosine
// clamped to [-1, 1]. A zero vector is treated as orthogonal to everything.
func AngularDistance(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return math.Pi / 2
	}
	cos := floats.Dot(a, b) / (na * nb)
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}

// ============================================================
// HASH EMBEDDER: deterministic, no weights on disk
// ============================================================

const (
	hashBuckets  = 4096
	hashGridSide = 8
)

// HashEmbedder embeds text as a sum of seeded random vectors, one per
// character trigram, and images as a seeded projection of an 8x8 RGB
// thumbnail. It carries no learned semantics; it exists so the loop runs
// without external models.
type HashEmbedder struct {
	dim   int
	table *mat.Dense // hashBuckets x dim
	proj  *mat.Dense // dim x (3*grid*grid)
}

func NewHashEmbedder(dim int, seed int64) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	rng := rand.New(rand.NewSource(seed))
	table := make([]float64, hashBuckets*dim)
	for i := range table {
		table[i] = rng.NormFloat64()
	}
	feat := 3 * hashGridSide * hashGridSide
	proj := make([]float64, dim*feat)
	for i := range proj {
		proj[i] = rng.NormFloat64() / math.Sqrt(float64(feat))
	}
	return &HashEmbedder{
		dim:   dim,
		table: mat.NewDense(hashBuckets, dim, table),
		proj:  mat.NewDense(dim, feat, proj),
	}
}

// Tokenize lowercases each text and hashes its padded character trigrams
// into bucket ids.
func (h *HashEmbedder) Tokenize(texts []string) [][]int {
	out := make([][]int, len(texts))
	for i, s := range texts {
		runes := []rune(" " + strings.ToLower(strings.TrimSpace(s)) + " ")
		for j := 0; j+3 <= len(runes); j++ {
			f := fnv.New32a()
			f.Write([]byte(string(runes[j : j+3])))
			out[i] = append(out[i], int(f.Sum32()%hashBuckets))
		}
	}
	return out
}

func (h *HashEmbedder) EncodeText(tokens [][]int) ([][]float64, error) {
	out := make([][]float64, len(tokens))
	for i, row := range tokens {
		v := make([]float64, h.dim)
		for _, id := range row {
			if id < 0 || id >= hashBuckets {
				return nil, errors.Errorf("text %d: token %d outside [0,%d)", i, id, hashBuckets)
			}
			floats.Add(v, h.table.RawRowView(id))
		}
		if n := floats.Norm(v, 2); n > 0 {
			floats.Scale(1/n, v)
		}
		out[i] = v
	}
	return out, nil
}

// EncodeImage expects CHW pixels of a square 3-channel image.
func (h *HashEmbedder) EncodeImage(pixels []float32) ([]float64, error) {
	side := int(math.Round(math.Sqrt(float64(len(pixels) / 3))))
	if side == 0 || 3*side*side != len(pixels) {
		return nil, errors.Errorf("image: %d values is not a square 3-channel image", len(pixels))
	}
	feat := make([]float64, 3*hashGridSide*hashGridSide)
	counts := make([]float64, len(feat))
	for c := 0; c < 3; c++ {
		for y := 0; y < side; y++ {
			gy := y * hashGridSide / side
			for x := 0; x < side; x++ {
				gx := x * hashGridSide / side
				k := (c*hashGridSide+gy)*hashGridSide + gx
				feat[k] += float64(pixels[(c*side+y)*side+x])
				counts[k]++
			}
		}
	}
	for k := range feat {
		if counts[k] > 0 {
			feat[k] /= counts[k]
		}
	}
	var out mat.VecDense
	out.MulVec(h.proj, mat.NewVecDense(len(feat), feat))
	v := make([]float64, h.dim)
	for i := range v {
		v[i] = out.AtVec(i)
	}
	if n := floats.Norm(v, 2); n > 0 {
		floats.Scale(1/n, v)
	}
	return v, nil
}

// ConstantEmbedder returns the same text vector for any input.
type ConstantEmbedder struct {
	Text  []float64
	Image []float64
}

func (c ConstantEmbedder) EncodeImage([]float32) ([]float64, error) {
	return append([]float64(nil), c.Image...), nil
}

func (c ConstantEmbedder) EncodeText(tokens [][]int) ([][]float64, error) {
	out := make([][]float64, len(tokens))
	for i := range out {
		out[i] = append([]float64(nil), c.Text...)
	}
	return out, nil
}

func (c ConstantEmbedder) Tokenize(texts []string) [][]int {
	return make([][]int, len(texts))
}
