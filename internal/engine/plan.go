package engine

import (
	"strings"

	"github.com/rendis/houndflow/pkg/schema"
)

type nodeKind int

const (
	nodeLeaf nodeKind = iota
	nodeConditional
	nodeLoop
)

// planNode is one compiled step. Container params are decoded once here so
// the run loop never re-parses them.
type planNode struct {
	kind  nodeKind
	step  *schema.Step
	retry RetryConfig

	cond *schema.ConditionalParams
	then []*planNode
	els  []*planNode

	loop *schema.LoopParams
	body []*planNode
}

// compilePlan turns a step tree into plan nodes, rejecting definitions the
// run loop cannot execute.
func compilePlan(steps []schema.Step, cfg RetryConfig) ([]*planNode, error) {
	return compileSteps(steps, cfg, make(map[string]bool))
}

func compileSteps(steps []schema.Step, cfg RetryConfig, seen map[string]bool) ([]*planNode, error) {
	nodes := make([]*planNode, 0, len(steps))
	for i := range steps {
		n, err := compileStep(&steps[i], cfg, seen)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func compileStep(step *schema.Step, cfg RetryConfig, seen map[string]bool) (*planNode, error) {
	if strings.TrimSpace(step.ID) == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step of type %q has no id", step.Type)
	}
	if seen[step.ID] {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID).WithStep(step.ID)
	}
	seen[step.ID] = true
	if step.Type == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q has no type", step.ID).WithStep(step.ID)
	}

	switch step.Type {
	case schema.StepTypeConditional:
		p, err := step.Conditional()
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Condition) == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "conditional step %q has no condition", step.ID).WithStep(step.ID)
		}
		then, err := compileSteps(p.Then, cfg, seen)
		if err != nil {
			return nil, err
		}
		els, err := compileSteps(p.Else, cfg, seen)
		if err != nil {
			return nil, err
		}
		return &planNode{kind: nodeConditional, step: step, cond: p, then: then, els: els}, nil

	case schema.StepTypeLoop:
		p, err := step.Loop()
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Variable) == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop step %q has no variable", step.ID).WithStep(step.ID)
		}
		if p.Items == nil && p.ItemsQuery == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop step %q has neither items nor items_query", step.ID).WithStep(step.ID)
		}
		body, err := compileSteps(p.Steps, cfg, seen)
		if err != nil {
			return nil, err
		}
		return &planNode{kind: nodeLoop, step: step, loop: p, body: body}, nil

	default:
		retry, err := stepRetry(step, cfg)
		if err != nil {
			return nil, err
		}
		return &planNode{kind: nodeLeaf, step: step, retry: retry}, nil
	}
}

// CountSteps counts every node of a step tree: each container, each step of
// both conditional branches and each loop body step once. It depends only on
// the definition, never on what a run executed. Params that fail to decode
// contribute only their container.
func CountSteps(steps []schema.Step) int {
	total := 0
	for i := range steps {
		total++
		step := &steps[i]
		switch step.Type {
		case schema.StepTypeConditional:
			if p, err := step.Conditional(); err == nil {
				total += CountSteps(p.Then) + CountSteps(p.Else)
			}
		case schema.StepTypeLoop:
			if p, err := step.Loop(); err == nil {
				total += CountSteps(p.Steps)
			}
		}
	}
	return total
}
