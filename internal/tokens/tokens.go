// Package tokens estimates token counts. Estimates use the cl100k_base encoding, which is close
// enough for budgeting but not what any vendor bills.
package tokens

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

const encoding = "cl100k_base"

// Fixed costs for content the encoder cannot see.
const (
	messageOverhead = 3
	imageTokens     = 1600
	pdfTokens       = 1500
)

// Encoder counts the tokens of a text.
type Encoder func(text string) int

// Heuristic approximates four characters per token.
func Heuristic(text string) int {
	return (len(text) + 3) / 4
}

// Estimator counts request tokens. The tiktoken encoding is loaded on first use; if it cannot
// be loaded the estimator falls back to Heuristic.
type Estimator struct {
	once sync.Once
	load func() (Encoder, error)
	enc  Encoder
}

// NewEstimator creates an estimator backed by tiktoken.
func NewEstimator() *Estimator {
	return &Estimator{load: loadTiktoken}
}

// NewEstimatorWith creates an estimator using enc.
func NewEstimatorWith(enc Encoder) *Estimator {
	e := &Estimator{enc: enc}
	e.once.Do(func() {})
	return e
}

func loadTiktoken() (Encoder, error) {
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return func(text string) int {
		return len(tke.Encode(text, nil, nil))
	}, nil
}

func (e *Estimator) encoder() Encoder {
	e.once.Do(func() {
		enc, err := e.load()
		if err != nil {
			slog.Warn("failed to load tiktoken encoding, using heuristic", "encoding", encoding, "error", err)
			enc = Heuristic
		}
		e.enc = enc
	})
	return e.enc
}

// Text counts the tokens of a text.
func (e *Estimator) Text(text string) int {
	if text == "" {
		return 0
	}
	return e.encoder()(text)
}

// Count estimates the input tokens of a request: messages, tool definitions and fixed costs
// for images and PDFs.
func (e *Estimator) Count(req canonical.Request) int {
	var b strings.Builder
	fixed := 0

	for _, m := range req.Messages {
		fixed += messageOverhead
		fixed += collect(&b, m.Parts)
	}
	for _, t := range req.Tools {
		b.WriteString(t.Name)
		b.WriteByte('\n')
		b.WriteString(t.Description)
		b.WriteByte('\n')
		b.Write(t.InputSchema)
		b.WriteByte('\n')
	}
	return e.Text(b.String()) + fixed
}

// collect writes the countable text of parts to b and returns the fixed costs.
func collect(b *strings.Builder, parts []canonical.Part) int {
	fixed := 0
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText:
			b.WriteString(p.Text)
		case canonical.PartImage:
			fixed += imageTokens
		case canonical.PartDocument:
			if p.Document != nil && strings.HasPrefix(p.Document.MediaType, "text/") {
				b.WriteString(p.Document.Data)
			} else {
				fixed += pdfTokens
			}
		case canonical.PartToolCall:
			if p.ToolCall != nil {
				b.WriteString(p.ToolCall.Name)
				b.Write(p.ToolCall.Arguments)
			}
		case canonical.PartToolResult:
			if p.ToolResult != nil {
				fixed += collect(b, p.ToolResult.Content)
			}
		case canonical.PartThinking:
			if p.Thinking != nil {
				b.WriteString(p.Thinking.Text)
			}
		}
		b.WriteByte('\n')
	}
	return fixed
}
