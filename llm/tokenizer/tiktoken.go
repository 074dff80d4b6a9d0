package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

type encodingInfo struct {
	encoding  string
	maxTokens int
}

// 模型名称到 tiktoken 编码与上下文大小的映射
var modelEncodings = map[string]encodingInfo{
	"gpt-4o":        {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4o-mini":   {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4.1":       {encoding: "o200k_base", maxTokens: 1047576},
	"o1":            {encoding: "o200k_base", maxTokens: 200000},
	"o3":            {encoding: "o200k_base", maxTokens: 200000},
	"gpt-4-turbo":   {encoding: "cl100k_base", maxTokens: 128000},
	"gpt-4":         {encoding: "cl100k_base", maxTokens: 8192},
	"gpt-3.5-turbo": {encoding: "cl100k_base", maxTokens: 16385},
}

// lookupEncoding 精确匹配优先，其次取最长前缀匹配
func lookupEncoding(model string) (encodingInfo, bool) {
	if info, ok := modelEncodings[model]; ok {
		return info, true
	}
	best, found := "", false
	for prefix := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, found = prefix, true
		}
	}
	if !found {
		return encodingInfo{}, false
	}
	return modelEncodings[best], true
}

// tiktokenTokenizer 延迟加载编码表（首次使用时可能需要下载），失败后退回估算器。
type tiktokenTokenizer struct {
	model    string
	info     encodingInfo
	fallback *Estimator

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

func newTiktoken(model string, info encodingInfo) *tiktokenTokenizer {
	return &tiktokenTokenizer{
		model:    model,
		info:     info,
		fallback: NewEstimator(info.maxTokens),
	}
}

func (t *tiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.info.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.info.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *tiktokenTokenizer) CountTokens(text string) int {
	if err := t.init(); err != nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *tiktokenTokenizer) MaxTokens() int { return t.info.maxTokens }

func (t *tiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.info.encoding)
}
