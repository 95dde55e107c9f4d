package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

const defaultStaticDimensions = 256

const (
	wordWeight  = 0.7
	ngramWeight = 0.3
)

var staticTokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Static produces deterministic hashed bag-of-words vectors. It needs no
// network and is used offline and in tests; similarity is lexical only.
type Static struct {
	dims int
}

// NewStatic creates a static provider with dims dimensions (256 when dims <= 0).
func NewStatic(dims int) *Static {
	if dims <= 0 {
		dims = defaultStaticDimensions
	}
	return &Static{dims: dims}
}

func (p *Static) Name() string  { return TypeStatic }
func (p *Static) Model() string { return fmt.Sprintf("static-%d", p.dims) }

func (p *Static) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *Static) vector(text string) []float32 {
	vec := make([]float32, p.dims)
	for _, w := range staticTokenRe.FindAllString(strings.ToLower(text), -1) {
		vec[p.bucket(w)] += wordWeight
		if len(w) < 3 {
			continue
		}
		r := []rune(w)
		for i := 0; i+3 <= len(r); i++ {
			vec[p.bucket(string(r[i:i+3]))] += ngramWeight
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func (p *Static) bucket(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(p.dims))
}
