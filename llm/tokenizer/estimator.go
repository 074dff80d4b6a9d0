package tokenizer

import "unicode/utf8"

// Estimator 按字符数估算 token：CJK 约 1.5 字符/token，其他约 4 字符/token。
type Estimator struct {
	maxTokens int
}

// NewEstimator 创建估算器，maxTokens <= 0 时取 8192
func NewEstimator(maxTokens int) *Estimator {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Estimator{maxTokens: maxTokens}
}

func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}

	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

func (e *Estimator) MaxTokens() int { return e.maxTokens }

func (e *Estimator) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
