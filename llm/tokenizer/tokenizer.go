package tokenizer

// Tokenizer 统一的 token 计数接口
type Tokenizer interface {
	// CountTokens 返回文本的 token 数
	CountTokens(text string) int

	// MaxTokens 返回模型的最大上下文长度
	MaxTokens() int

	// Name 返回分词器名称
	Name() string
}

// ForModel 返回模型对应的分词器。已知的 OpenAI 系模型使用 tiktoken 精确计数，
// 编码表不可用时自动退回估算器；其他模型直接使用估算器。
func ForModel(model string) Tokenizer {
	if info, ok := lookupEncoding(model); ok {
		return newTiktoken(model, info)
	}
	return NewEstimator(0)
}

// Truncate 按比例截断 text，使其 token 数不超过 budget。
// budget <= 0 时返回空串。
func Truncate(t Tokenizer, text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	count := t.CountTokens(text)
	if count <= budget {
		return text
	}

	runes := []rune(text)
	keep := len(runes) * budget / count
	for keep > 0 {
		candidate := string(runes[:keep])
		if t.CountTokens(candidate) <= budget {
			return candidate
		}
		keep = keep * 9 / 10
	}
	return ""
}
