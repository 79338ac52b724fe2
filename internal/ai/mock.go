package ai

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

var errEmbedUnavailable = errors.New("mock embedding unavailable")

// MockClient is a deterministic, network-free implementation of Client.
// The same input text always yields the same vector, independent of
// process, so the whole pipeline is testable offline.
type MockClient struct {
	dim int
	// Completion is the canned answer streamed word by word. Tests may
	// override it; the default mentions nothing domain-specific.
	Completion string
	// FailEmbed makes every embedding call fail, for degradation tests.
	FailEmbed bool
}

const mockModelID = "mock-embed-001"

func NewMockClient(dim int) *MockClient {
	if dim <= 0 {
		dim = 8
	}
	return &MockClient{
		dim:        dim,
		Completion: "Based on the provided context, here is what your notes say. [1]",
	}
}

func (m *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.FailEmbed {
		return nil, errEmbedUnavailable
	}
	return m.vector(text), nil
}

func (m *MockClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.FailEmbed {
		return nil, errEmbedUnavailable
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = m.vector(t)
	}
	return vecs, nil
}

func (m *MockClient) StreamComplete(ctx context.Context, msgs []ChatMessage) (<-chan StreamDelta, error) {
	words := strings.Fields(m.Completion)
	out := make(chan StreamDelta)
	go func() {
		defer close(out)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case out <- StreamDelta{Text: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *MockClient) Dim() int { return m.dim }

func (m *MockClient) ModelID() string { return mockModelID }

// vector derives a unit-length vector from the SHA-256 of the text, so
// equal texts embed identically and distinct texts almost never collide.
func (m *MockClient) vector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, m.dim)
	var norm float64
	for i := range vec {
		// Stretch the digest by hashing the seed with the lane index.
		var lane [36]byte
		copy(lane[:32], seed[:])
		binary.BigEndian.PutUint32(lane[32:], uint32(i))
		h := sha256.Sum256(lane[:])
		u := binary.BigEndian.Uint64(h[:8])
		v := float64(u)/float64(math.MaxUint64)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
