package controller

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/jobmanager"
	"github.com/ChuLiYu/beaver-exec/internal/workflow"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// ============================================================================
// 工作流程節點任務
//
// 每個節點以一個任務執行，任務 ID 為 <實例 ID>/<節點>，同一節點不會重複入列。
// 節點任務結束時：
//   - SUCCEEDED → Coordinator.Advance，輸出併入實例 context，就緒的後繼節點入列
//   - FAILED / TERMINATED → Coordinator.FailNode，實例轉為 FAILED
// 節點任務的 Payload 為實例 context 加上節點自己的 Payload（後者優先）。
// ============================================================================

var (
	ErrWorkflowsDisabled = errors.New("workflow coordinator is not configured")
	ErrUnknownDefinition = errors.New("unknown workflow definition")
	ErrDuplicateWorkflow = errors.New("workflow definition already registered")
)

// RegisterWorkflow 驗證並登記工作流程定義
func (c *Controller) RegisterWorkflow(def types.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.defMu.Lock()
	defer c.defMu.Unlock()
	if _, ok := c.definitions[def.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, def.ID)
	}
	c.definitions[def.ID] = &def
	return nil
}

func (c *Controller) definition(id string) (*types.WorkflowDefinition, bool) {
	c.defMu.RLock()
	defer c.defMu.RUnlock()
	def, ok := c.definitions[id]
	return def, ok
}

// StartWorkflow 建立工作流程實例並將入口節點入列
func (c *Controller) StartWorkflow(ctx context.Context, definitionID string, vars map[string]interface{}) (*types.WorkflowInstance, error) {
	if c.workflows == nil {
		return nil, ErrWorkflowsDisabled
	}
	def, ok := c.definition(definitionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, definitionID)
	}
	entry := def.EntryNodes()
	inst, err := c.workflows.Start(ctx, def.ID, entry, vars)
	if err != nil {
		return nil, err
	}
	if err := c.enqueueNodes(inst, def, entry); err != nil {
		if _, ferr := c.workflows.UpdateStatus(ctx, inst.ID, types.StatusFailed, err.Error()); ferr != nil {
			c.logger.Error("failed to mark workflow failed", zap.String("workflow_id", inst.ID), zap.Error(ferr))
		}
		return nil, err
	}
	c.logger.Info("workflow started",
		zap.String("workflow_id", inst.ID),
		zap.String("definition", def.ID),
		zap.Strings("entry", entry))
	return inst, nil
}

// GetWorkflow 讀取工作流程實例
func (c *Controller) GetWorkflow(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	if c.workflows == nil {
		return nil, ErrWorkflowsDisabled
	}
	return c.workflows.Get(ctx, id)
}

func nodeJobID(instanceID, node string) types.JobID {
	return types.JobID(instanceID + "/" + node)
}

func (c *Controller) enqueueNodes(inst *types.WorkflowInstance, def *types.WorkflowDefinition, nodes []string) error {
	for _, name := range nodes {
		node := def.Nodes[name]
		payload := make(map[string]interface{}, len(inst.Context)+len(node.Payload))
		for k, v := range inst.Context {
			payload[k] = v
		}
		for k, v := range node.Payload {
			payload[k] = v
		}
		job := types.Job{
			ID:        nodeJobID(inst.ID, name),
			Processor: node.Processor,
			Version:   node.Version,
			Payload:   payload,
			Workflow: &types.WorkflowStep{
				InstanceID:   inst.ID,
				DefinitionID: def.ID,
				Node:         name,
			},
		}
		err := c.jobManager.Enqueue(job)
		if errors.Is(err, jobmanager.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to enqueue workflow node %s: %w", name, err)
		}
	}
	return nil
}

// finishWorkflowStep 把節點任務的終態回饋給所屬的工作流程實例
func (c *Controller) finishWorkflowStep(job *types.Job, output map[string]interface{}) {
	step := job.Workflow
	if step == nil || c.workflows == nil || !job.Status.IsTerminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.TaskTimeout)
	defer cancel()
	logger := c.logger.With(
		zap.String("workflow_id", step.InstanceID),
		zap.String("node", step.Node),
		zap.String("job_id", string(job.ID)))

	if job.Status != types.StatusSucceeded {
		cause := job.LastError
		if cause == "" {
			cause = "node job " + string(job.Status)
		}
		_, err := c.workflows.FailNode(ctx, step.InstanceID, step.Node, errors.New(cause))
		if err != nil && !errors.Is(err, types.ErrIllegalTransition) {
			logger.Error("failed to fail workflow node", zap.Error(err))
		}
		return
	}

	def, ok := c.definition(step.DefinitionID)
	if !ok {
		logger.Error("workflow definition not registered", zap.String("definition", step.DefinitionID))
		_, _ = c.workflows.FailNode(ctx, step.InstanceID, step.Node,
			fmt.Errorf("%w: %s", ErrUnknownDefinition, step.DefinitionID))
		return
	}

	inst, started, err := c.workflows.Advance(ctx, step.InstanceID, def, step.Node, output)
	switch {
	case errors.Is(err, workflow.ErrNodeNotActive), errors.Is(err, workflow.ErrNotRunning):
		logger.Debug("workflow step ignored", zap.Error(err))
		return
	case err != nil:
		logger.Error("failed to advance workflow", zap.Error(err))
		return
	}
	if err := c.enqueueNodes(inst, def, started); err != nil {
		logger.Error("failed to enqueue next workflow nodes", zap.Error(err))
		_, _ = c.workflows.FailNode(ctx, step.InstanceID, step.Node, err)
		return
	}
	logger.Debug("workflow advanced",
		zap.Strings("started", started),
		zap.String("status", string(inst.Status)))
}
