// Package generation builds answers from ranked passages.
package generation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rag-eval/backend/internal/rag/tokens"
)

// CitationPattern matches the "[chunk N]" markers answers cite passages with.
var CitationPattern = regexp.MustCompile(`\[chunk (\d+)\]`)

func Cite(chunkID int64) string {
	return fmt.Sprintf("[chunk %d]", chunkID)
}

// StripCitations drops citation markers so they are not scored as answer text.
func StripCitations(text string) string {
	return CitationPattern.ReplaceAllString(text, " ")
}

// NoContextAnswer is returned when retrieval produced no passages.
const NoContextAnswer = "I could not find relevant context to answer this query."

type Context struct {
	ChunkID int64  `json:"chunk_id"`
	Content string `json:"content"`
}

type Request struct {
	Query          string    `json:"query"`
	Contexts       []Context `json:"contexts"`
	ModelName      string    `json:"model_name"`
	PromptVersion  string    `json:"prompt_version"`
	PromptTemplate string    `json:"prompt_template,omitempty"`
}

type Response struct {
	Answer        string  `json:"answer"`
	ModelName     string  `json:"model_name"`
	PromptVersion string  `json:"prompt_version"`
	CitedChunkIDs []int64 `json:"cited_chunk_ids"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Stub answers deterministically from the passage sharing the most content
// tokens with the query.
type Stub struct{}

func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Generate(_ context.Context, req Request) (*Response, error) {
	resp := &Response{
		ModelName:     req.ModelName,
		PromptVersion: req.PromptVersion,
		CitedChunkIDs: []int64{},
	}

	best, ok := SelectContext(req.Query, req.Contexts)
	if !ok {
		resp.Answer = NoContextAnswer
		return resp, nil
	}

	resp.Answer = fmt.Sprintf("%s. %s", FirstSentence(best.Content), Cite(best.ChunkID))
	resp.CitedChunkIDs = []int64{best.ChunkID}
	return resp, nil
}

// SelectContext picks the context with the largest query token overlap.
// Earlier contexts win ties.
func SelectContext(query string, contexts []Context) (Context, bool) {
	if len(contexts) == 0 {
		return Context{}, false
	}

	q := tokens.ContentSet(query)
	best, bestScore := contexts[0], -1
	for _, c := range contexts {
		score := q.Overlap(tokens.ContentSet(c.Content))
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, true
}

// FirstSentence returns the text before the first ". " without a trailing period.
func FirstSentence(content string) string {
	sentence, _, _ := strings.Cut(content, ". ")
	sentence = strings.TrimSpace(sentence)
	return strings.TrimSuffix(sentence, ".")
}
