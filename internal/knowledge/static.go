// Package knowledge provides the static knowledge base searched by the
// knowledge_search tool.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Search(query string, limit int) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 通过加载 JSON 或 YAML 文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从文件加载知识条目，.yaml/.yml 按 YAML 解析，其余按 JSON。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &entries)
	default:
		err = json.Unmarshal(content, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Len 返回条目数量。
func (p *StaticProvider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

// Search 按关键词与标签命中次数排序返回最相关的条目。limit 不大于 0 时
// 使用默认上限。
func (p *StaticProvider) Search(query string, limit int) []Snippet {
	if p == nil {
		return nil
	}
	if limit <= 0 || limit > p.maxResults {
		limit = p.maxResults
	}

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for i, item := range p.items {
		if score := score(item, query); score > 0 {
			hits = append(hits, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > limit {
		hits = hits[:limit]
	}
	results := make([]Snippet, 0, len(hits))
	for _, hit := range hits {
		results = append(results, p.items[hit.idx])
	}
	return results
}

func score(snippet Snippet, query string) int {
	total := 0
	for _, keyword := range snippet.Keywords {
		if normalized := strings.ToLower(strings.TrimSpace(keyword)); normalized != "" && strings.Contains(query, normalized) {
			total += 2
		}
	}
	for _, tag := range snippet.Tags {
		if normalized := strings.ToLower(strings.TrimSpace(tag)); normalized != "" && strings.Contains(query, normalized) {
			total++
		}
	}
	if title := strings.ToLower(strings.TrimSpace(snippet.Title)); title != "" && strings.Contains(query, title) {
		total += 3
	}
	return total
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
