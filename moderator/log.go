package moderator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// 对话轮次类型
const (
	TurnWelcome          = "welcome"
	TurnOpeningStatement = "opening_statement"
	TurnResponse         = "response"
	TurnFinalSynthesis   = "final_synthesis"
)

// SpeakerModerator 主持人发言者名
const SpeakerModerator = "moderator"

// Turn 对话日志中的一条记录
type Turn struct {
	Timestamp  time.Time `json:"timestamp"`
	Speaker    string    `json:"speaker"`
	TurnType   string    `json:"turn_type"`
	Content    string    `json:"content"`
	TurnNumber int       `json:"turn_number"`
}

// ConversationLog 只追加的对话日志，轮次编号从 1 开始按追加顺序递增
type ConversationLog struct {
	mu    sync.Mutex
	turns []Turn
	now   func() time.Time
}

// NewConversationLog 创建空日志
func NewConversationLog() *ConversationLog {
	return &ConversationLog{now: func() time.Time { return time.Now().UTC() }}
}

// Append 追加一轮并返回它
func (l *ConversationLog) Append(speaker, turnType, content string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	turn := Turn{
		Timestamp:  l.now(),
		Speaker:    speaker,
		TurnType:   turnType,
		Content:    content,
		TurnNumber: len(l.turns) + 1,
	}
	l.turns = append(l.turns, turn)
	return turn
}

// Turns 返回所有轮次的副本
func (l *ConversationLog) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Turn(nil), l.turns...)
}

// Len 返回轮次数
func (l *ConversationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Participants 返回去重排序后的发言者列表
func (l *ConversationLog) Participants() []string {
	seen := make(map[string]struct{})
	for _, t := range l.Turns() {
		seen[t.Speaker] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// JSONL 每轮一行 JSON
func (l *ConversationLog) JSONL() ([]byte, error) {
	turns := l.Turns()
	lines := make([][]byte, 0, len(turns))
	for _, t := range turns {
		line, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to encode turn %d: %w", t.TurnNumber, err)
		}
		lines = append(lines, line)
	}
	return bytes.Join(lines, []byte("\n")), nil
}

// Markdown 渲染对话记录，每轮一个 "### {speaker} - {Turn Type}" 小节
func (l *ConversationLog) Markdown(title string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, t := range l.Turns() {
		fmt.Fprintf(&b, "### %s - %s\n\n", t.Speaker, titleCase(t.TurnType))
		fmt.Fprintf(&b, "**Time**: %s\n\n", t.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(&b, "**Turn**: %d\n\n", t.TurnNumber)
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("\n\n---\n\n")
	}
	return []byte(b.String())
}

// titleCase opening_statement -> Opening Statement
func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
