package types

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrDefinitionCycle   = errors.New("workflow definition has a cycle")
)

// DefinitionError 工作流程定義驗證失敗
type DefinitionError struct {
	Kind error
	ID   string
	Msg  string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Kind.Error(), e.ID, e.Msg)
}

func (e *DefinitionError) Unwrap() error { return e.Kind }

// WorkflowNode DAG 中的一個節點，執行時成為一個任務
type WorkflowNode struct {
	Processor string                 `json:"processor" yaml:"processor"`
	Version   string                 `json:"version,omitempty" yaml:"version"`
	Payload   map[string]interface{} `json:"payload,omitempty" yaml:"payload"`
	Next      []string               `json:"next,omitempty" yaml:"next"`
}

// WorkflowDefinition DAG 定義，節點以名稱索引
//
// 沒有前驅的節點是入口節點。匯合節點要等到所有仍可能抵達它的分支結束後才會啟動。
type WorkflowDefinition struct {
	ID    string                  `json:"id" yaml:"id"`
	Nodes map[string]WorkflowNode `json:"nodes" yaml:"nodes"`
}

func (d *WorkflowDefinition) invalidf(format string, args ...interface{}) error {
	return &DefinitionError{Kind: ErrInvalidDefinition, ID: d.ID, Msg: fmt.Sprintf(format, args...)}
}

// Validate 檢查節點引用與無環性
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return d.invalidf("id is empty")
	}
	if len(d.Nodes) == 0 {
		return d.invalidf("no nodes")
	}
	indeg := make(map[string]int, len(d.Nodes))
	for name, n := range d.Nodes {
		if n.Processor == "" {
			return d.invalidf("node %q has no processor", name)
		}
		for _, next := range n.Next {
			if _, ok := d.Nodes[next]; !ok {
				return d.invalidf("node %q points to unknown node %q", name, next)
			}
			indeg[next]++
		}
	}

	// Kahn：能排出全部節點即無環
	ready := d.EntryNodes()
	visited := 0
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range d.Nodes[name].Next {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(d.Nodes) {
		return &DefinitionError{Kind: ErrDefinitionCycle, ID: d.ID, Msg: fmt.Sprintf("%d nodes unreachable by topological order", len(d.Nodes)-visited)}
	}
	return nil
}

// EntryNodes 沒有前驅的節點，依名稱排序
func (d *WorkflowDefinition) EntryNodes() []string {
	hasPred := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		for _, next := range n.Next {
			hasPred[next] = true
		}
	}
	var entry []string
	for name := range d.Nodes {
		if !hasPred[name] {
			entry = append(entry, name)
		}
	}
	sort.Strings(entry)
	return entry
}

// Reaches from 是否能沿著 Next 抵達 to（from == to 視為可抵達）
func (d *WorkflowDefinition) Reaches(from, to string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, d.Nodes[n].Next...)
	}
	return false
}

// Ready 節點 node 完成後應啟動的後繼節點
//
// active 為移除 node 之後仍在執行的節點。後繼節點只有在沒有任何活躍節點
// 還能抵達它時才會啟動，因此匯合節點只啟動一次。
func (d *WorkflowDefinition) Ready(node string, active map[string]struct{}) []string {
	var ready []string
	for _, next := range d.Nodes[node].Next {
		if _, ok := active[next]; ok {
			continue
		}
		blocked := false
		for a := range active {
			if d.Reaches(a, next) {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, next)
		}
	}
	sort.Strings(ready)
	return ready
}
