package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowInstanceJSON(t *testing.T) {
	end := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	inst := &WorkflowInstance{
		ID:           "wf-1",
		DefinitionID: "etl",
		Status:       StatusRunning,
		ActiveNodes:  NodeSet("load", "extract"),
		Context:      map[string]interface{}{"rows": float64(10)},
		Version:      3,
		StartTime:    end.Add(-time.Hour),
		EndTime:      &end,
	}

	data, err := json.Marshal(inst)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"active_nodes":["extract","load"]`)

	var decoded WorkflowInstance
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, inst.ActiveNodes, decoded.ActiveNodes)
	assert.Equal(t, inst.Context, decoded.Context)
	assert.Equal(t, int64(3), decoded.Version)
	require.NotNil(t, decoded.EndTime)
	assert.True(t, end.Equal(*decoded.EndTime))
}

func TestWorkflowInstanceClone(t *testing.T) {
	end := time.Now()
	inst := &WorkflowInstance{
		ActiveNodes: NodeSet("a"),
		Context:     map[string]interface{}{"k": "v"},
		EndTime:     &end,
	}

	cp := inst.Clone()
	cp.ActiveNodes["b"] = struct{}{}
	cp.Context["k"] = "changed"
	*cp.EndTime = end.Add(time.Hour)

	assert.Equal(t, []string{"a"}, inst.ActiveNodeList())
	assert.Equal(t, "v", inst.Context["k"])
	assert.True(t, inst.EndTime.Equal(end))

	var nilInst *WorkflowInstance
	assert.Nil(t, nilInst.Clone())
}
