// =============================================================================
// 📦 测试数据工厂 - 实验样例
// =============================================================================
// 提供框架、语料与各阶段结果样例，用于编排与主持测试
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"
)

// Framework 返回一个最小的分析框架文本
func Framework() []byte {
	return []byte(`# Populism Framework v1
dimensions:
  - name: people_centrism
    description: appeals to the virtuous people
  - name: anti_elitism
    description: hostility to corrupt elites
`)
}

// Corpus 返回 n 篇语料文档
func Corpus(n int) [][]byte {
	docs := make([][]byte, n)
	for i := range docs {
		docs[i] = []byte(fmt.Sprintf("Speech %d: The people deserve a government that listens to them, not to the elites.", i+1))
	}
	return docs
}

// PreTestResult 返回 pre_test 代理的结果制品
func PreTestResult(runs int) []byte {
	data, _ := json.Marshal(map[string]any{"recommended_runs": runs, "rationale": "variance stabilises"})
	return data
}

// ReviewResult 返回 review 代理的结果制品
func ReviewResult(reviewType, content string) []byte {
	data, _ := json.Marshal(map[string]any{"review_type": reviewType, "review_content": content})
	return data
}
