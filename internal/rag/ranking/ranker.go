// Package ranking orders candidate passages against a query vector, with an
// optional second rerank pass that keeps the base ordering inspectable.
package ranking

import (
	"math"
	"sort"

	"github.com/rag-eval/backend/internal/rag/embedding"
	"github.com/rag-eval/backend/internal/rag/tokens"
)

const (
	MethodHybrid  = "hybrid"
	MethodLexical = "lexical"

	// scoreDecimals is applied to every score before ordering.
	scoreDecimals = 6

	hybridBaseWeight    = 0.7
	hybridLexicalWeight = 0.3

	maxTopK       = 20
	maxCandidateK = 50
)

type Candidate struct {
	ID      int64
	Vector  []float64
	Content string
}

type Scored struct {
	ID    int64
	Score float64
	Rank  int
}

// Result is one reranked passage. BaseRank is the 1-based position in the
// base (plain cosine) ordering of the candidate pool.
type Result struct {
	ID        int64
	Content   string
	Rank      int
	Score     float64
	BaseScore float64
	BaseRank  int
	Lexical   float64
}

type Options struct {
	TopK   int
	Rerank bool
	Method string
}

// Retrieval is the outcome of a two-stage ranking.
type Retrieval struct {
	Results []Result
	// BaseIDs are the first TopK ids of the base ordering.
	BaseIDs []int64
	// BaseTopScore is the base score of BaseIDs[0], zero when the pool is empty.
	BaseTopScore float64
}

// Cosine returns the cosine similarity of a and b, or 0 when either has zero norm
// or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

// LexicalOverlap is the share of the query's content tokens found in content.
func LexicalOverlap(query, content string) float64 {
	q := tokens.ContentSet(query)
	if len(q) == 0 {
		return 0
	}
	return float64(q.Overlap(tokens.ContentSet(content))) / float64(len(q))
}

// Rank scores candidates by cosine similarity and returns at most topK of them
// in descending score order. Equal scores keep candidate order.
func Rank(query []float64, candidates []Candidate, topK int) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{ID: c.ID, Score: embedding.Round(Cosine(query, c.Vector), scoreDecimals)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if topK < 0 {
		topK = 0
	}
	if len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// ClampTopK bounds a requested top-k to [1, 20].
func ClampTopK(topK int) int {
	if topK < 1 {
		return 1
	}
	if topK > maxTopK {
		return maxTopK
	}
	return topK
}

// CandidateK is the size of the base pool the rerank pass draws from.
func CandidateK(topK int) int {
	k := 3 * topK
	if k > maxCandidateK {
		k = maxCandidateK
	}
	if k < topK {
		k = topK
	}
	return k
}

// Retrieve runs the base pass over candidates, then reranks the top CandidateK
// when opts.Rerank is set. With rerank disabled Score equals BaseScore.
func Retrieve(queryText string, queryVec []float64, candidates []Candidate, opts Options) Retrieval {
	topK := ClampTopK(opts.TopK)
	poolSize := CandidateK(topK)

	byID := make(map[int64]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	base := Rank(queryVec, candidates, poolSize)
	return rerank(queryText, base, byID, topK, opts)
}

// RerankPool reranks a base pool that was already ordered elsewhere, such as
// by an external index. pool must be in base order.
func RerankPool(queryText string, pool []Result, opts Options) Retrieval {
	topK := ClampTopK(opts.TopK)
	base := make([]Scored, len(pool))
	byID := make(map[int64]Candidate, len(pool))
	for i, p := range pool {
		base[i] = Scored{ID: p.ID, Score: embedding.Round(p.BaseScore, scoreDecimals), Rank: i + 1}
		byID[p.ID] = Candidate{ID: p.ID, Content: p.Content}
	}
	return rerank(queryText, base, byID, topK, opts)
}

func rerank(queryText string, base []Scored, byID map[int64]Candidate, topK int, opts Options) Retrieval {
	results := make([]Result, len(base))
	for i, b := range base {
		content := byID[b.ID].Content
		lexical := embedding.Round(LexicalOverlap(queryText, content), scoreDecimals)
		score := b.Score
		if opts.Rerank {
			score = rerankScore(opts.Method, b.Score, lexical)
		}
		results[i] = Result{
			ID:        b.ID,
			Content:   content,
			Score:     score,
			BaseScore: b.Score,
			BaseRank:  i + 1,
			Lexical:   lexical,
		}
	}

	if opts.Rerank {
		sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	}
	if len(results) > topK {
		results = results[:topK]
	}
	for i := range results {
		results[i].Rank = i + 1
	}

	n := topK
	if n > len(base) {
		n = len(base)
	}
	baseIDs := make([]int64, n)
	for i := 0; i < n; i++ {
		baseIDs[i] = base[i].ID
	}

	out := Retrieval{Results: results, BaseIDs: baseIDs}
	if len(base) > 0 {
		out.BaseTopScore = base[0].Score
	}
	return out
}

func rerankScore(method string, base, lexical float64) float64 {
	switch method {
	case MethodLexical:
		return lexical
	default:
		return embedding.Round(hybridBaseWeight*base+hybridLexicalWeight*lexical, scoreDecimals)
	}
}
