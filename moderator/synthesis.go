package moderator

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/discernus/discernus/llm"
	"github.com/discernus/discernus/llm/tokenizer"
)

const synthesisSystemPrompt = `You are the moderator of an academic review panel. Produce the final synthesis of the panel discussion.
Weigh each reviewer's position, state where they agree and where the disagreement remains, and give a balanced
assessment of the original synthesis report. Frameworks are attached base64-encoded.`

// synthesisInput 最终综合所需的材料
type synthesisInput struct {
	experiment string
	synthesis  []byte
	frameworks [][]byte
	transcript string
}

// buildSynthesisMessages 组装最终综合提示词。超出 budget 时截断对话记录。
func buildSynthesisMessages(tk tokenizer.Tokenizer, budget int, in synthesisInput, logger *zap.Logger) []llm.Message {
	var head strings.Builder
	if in.experiment != "" {
		fmt.Fprintf(&head, "Experiment: %s\n\n", in.experiment)
	}
	head.WriteString("## Original synthesis report\n\n")
	head.Write(in.synthesis)
	head.WriteString("\n\n## Analytical frameworks (base64)\n\n")
	for i, fw := range in.frameworks {
		fmt.Fprintf(&head, "framework_%d: %s\n", i+1, base64.StdEncoding.EncodeToString(fw))
	}
	head.WriteString("\n## Panel transcript\n\n")

	transcript := in.transcript
	if budget > 0 {
		used := tk.CountTokens(synthesisSystemPrompt) + tk.CountTokens(head.String())
		if total := used + tk.CountTokens(transcript); total > budget {
			logger.Warn("final synthesis prompt over token budget, truncating transcript",
				zap.Int("tokens", total),
				zap.Int("budget", budget),
				zap.String("tokenizer", tk.Name()))
			transcript = tokenizer.Truncate(tk, transcript, budget-used)
		}
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: synthesisSystemPrompt},
		{Role: llm.RoleUser, Content: head.String() + transcript},
	}
}

// finalSynthesis 调用 LLM 生成最终综合。失败不重试，由调用方视为致命错误。
func (m *Moderator) finalSynthesis(ctx context.Context, runID, model string, in synthesisInput) (string, error) {
	if model == "" {
		model = m.cfg.Model
	}
	tk := m.tokenizer
	if tk == nil {
		tk = tokenizer.ForModel(model)
	}

	resp, err := m.llm.Completion(ctx, &llm.ChatRequest{
		TraceID:  runID,
		Model:    model,
		Messages: buildSynthesisMessages(tk, m.cfg.MaxPromptTokens, in, m.logger),
		Metadata: map[string]string{"run_id": runID, "purpose": "final_synthesis"},
	})
	if err != nil {
		return "", fmt.Errorf("final synthesis failed: %w", err)
	}
	content, err := resp.Content()
	if err != nil {
		return "", fmt.Errorf("final synthesis failed: %w", err)
	}
	return content, nil
}
