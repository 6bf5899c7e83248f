package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// WorkflowConfig 流程配置, 和节点配置一起描述一条线性的案件流水线
type WorkflowConfig struct {
	ID    string                  `json:"id"`    // 流程ID, 唯一标识
	Name  string                  `json:"name"`  // 流程名称
	Nodes []*NodeDefinitionConfig `json:"nodes"` // 状态节点
}

// NodeDefinitionConfig 节点定义配置, 一个节点就是一个案件状态
type NodeDefinitionConfig struct {
	ID        string   `json:"id"`         // 状态, 例如 enquiry
	Name      string   `json:"name"`       // 状态名称
	NextNodes []string `json:"next_nodes"` // 后置状态, 线性流水线最多一个, 为空表示终止状态
}

// WorkflowDefinition 流程定义, 编译后不可变
// 状态按顺序排列, 每个状态最多只有一个后继状态, 最后一个状态是终止状态
type WorkflowDefinition struct {
	ID     string
	Name   string
	states []CaseState
	next   map[CaseState]CaseState
	names  map[CaseState]string
	index  map[CaseState]int
}

const defaultCasePipelineConfig = `{
	"id": "case_lifecycle",
	"name": "案件生命周期",
	"nodes": [
		{"id": "enquiry", "name": "询价", "next_nodes": ["estimation"]},
		{"id": "estimation", "name": "估价", "next_nodes": ["quotation"]},
		{"id": "quotation", "name": "报价", "next_nodes": ["order"]},
		{"id": "order", "name": "订单", "next_nodes": ["production"]},
		{"id": "production", "name": "生产", "next_nodes": ["delivery"]},
		{"id": "delivery", "name": "交付", "next_nodes": ["closed"]},
		{"id": "closed", "name": "关闭", "next_nodes": []}
	]
}`

var (
	defaultDefinition     *WorkflowDefinition
	defaultDefinitionOnce sync.Once
)

// DefaultWorkflowDefinition 内置的案件流水线
// enquiry -> estimation -> quotation -> order -> production -> delivery -> closed
func DefaultWorkflowDefinition() *WorkflowDefinition {
	defaultDefinitionOnce.Do(func() {
		config := &WorkflowConfig{}
		if err := json.Unmarshal([]byte(defaultCasePipelineConfig), config); err != nil {
			panic(fmt.Sprintf("default case pipeline config is broken: %v", err))
		}
		definition, err := NewWorkflowDefinition(config)
		if err != nil {
			panic(fmt.Sprintf("default case pipeline config is broken: %v", err))
		}
		defaultDefinition = definition
	})
	return defaultDefinition
}

/*
*
  - @description: 编译流程配置
    只接受线性流水线: 一个起点, 一个终点, 每个节点最多一个后继, 没有环, 所有节点可达
  - @param config *WorkflowConfig
  - @return *WorkflowDefinition, error
*/
func NewWorkflowDefinition(config *WorkflowConfig) (*WorkflowDefinition, error) {
	if config == nil {
		return nil, errors.WithMessage(ErrWorkflowConfigInvalid, "config is nil")
	}
	if len(config.Nodes) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "config %s has no nodes", config.ID)
	}
	nodesMap := make(map[string]*NodeDefinitionConfig, len(config.Nodes))
	preCount := make(map[string]int, len(config.Nodes))
	for _, node := range config.Nodes {
		if node == nil || node.ID == "" {
			return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "config %s has empty node", config.ID)
		}
		if _, ok := nodesMap[node.ID]; ok {
			return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "config %s has duplicate node %s", config.ID, node.ID)
		}
		nodesMap[node.ID] = node
	}
	for _, node := range config.Nodes {
		if len(node.NextNodes) > 1 {
			// 流水线是线性的, 不允许分支
			return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "node %s has %d next nodes, only one allowed", node.ID, len(node.NextNodes))
		}
		for _, nextNode := range node.NextNodes {
			if _, ok := nodesMap[nextNode]; !ok {
				return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "node %s next node %s not found", node.ID, nextNode)
			}
			preCount[nextNode]++
		}
	}

	rootID := ""
	for _, node := range config.Nodes {
		if preCount[node.ID] > 1 {
			return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "node %s has %d pre nodes", node.ID, preCount[node.ID])
		}
		if preCount[node.ID] == 0 {
			if rootID != "" {
				return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "config %s has multiple root nodes: %s, %s", config.ID, rootID, node.ID)
			}
			rootID = node.ID
		}
	}
	if rootID == "" {
		return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "config %s has no root node, there is a cycle in the workflow", config.ID)
	}

	definition := &WorkflowDefinition{
		ID:     config.ID,
		Name:   config.Name,
		states: make([]CaseState, 0, len(config.Nodes)),
		next:   make(map[CaseState]CaseState, len(config.Nodes)),
		names:  make(map[CaseState]string, len(config.Nodes)),
		index:  make(map[CaseState]int, len(config.Nodes)),
	}
	visitMap := make(map[string]bool, len(config.Nodes))
	current := rootID
	for {
		if visitMap[current] {
			return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "node %s is already visited, there is a cycle in the workflow", current)
		}
		visitMap[current] = true
		node := nodesMap[current]
		definition.index[current] = len(definition.states)
		definition.states = append(definition.states, current)
		definition.names[current] = node.Name
		if len(node.NextNodes) == 0 {
			break
		}
		definition.next[current] = node.NextNodes[0]
		current = node.NextNodes[0]
	}
	if len(definition.states) != len(config.Nodes) {
		return nil, errors.WithMessagef(ErrWorkflowConfigInvalid, "config %s has unreachable nodes, reachable %d of %d", config.ID, len(definition.states), len(config.Nodes))
	}
	return definition, nil
}

// NextState 返回唯一允许的后继状态, 终止状态和未知状态返回false
func (d *WorkflowDefinition) NextState(state CaseState) (CaseState, bool) {
	next, ok := d.next[state]
	return next, ok
}

// States 按流水线顺序返回所有状态
func (d *WorkflowDefinition) States() []CaseState {
	ret := make([]CaseState, len(d.states))
	copy(ret, d.states)
	return ret
}

// NonTerminalStates 除终止状态以外的状态
func (d *WorkflowDefinition) NonTerminalStates() []CaseState {
	ret := make([]CaseState, len(d.states)-1)
	copy(ret, d.states[:len(d.states)-1])
	return ret
}

func (d *WorkflowDefinition) InitialState() CaseState {
	return d.states[0]
}

func (d *WorkflowDefinition) TerminalState() CaseState {
	return d.states[len(d.states)-1]
}

func (d *WorkflowDefinition) IsValidState(state CaseState) bool {
	_, ok := d.index[state]
	return ok
}

func (d *WorkflowDefinition) IsTerminal(state CaseState) bool {
	return state == d.TerminalState()
}

// StateIndex 状态在流水线中的位置, 未知状态返回-1
func (d *WorkflowDefinition) StateIndex(state CaseState) int {
	if i, ok := d.index[state]; ok {
		return i
	}
	return -1
}

// StateName 配置中的状态名称, 没有配置时回退到内置名称
func (d *WorkflowDefinition) StateName(state CaseState) string {
	if name, ok := d.names[state]; ok && name != "" {
		return name
	}
	return GetCaseStateText(state)
}
