// Package memory 以記憶體 map 實作 workflow.Store，供單程序部署與測試使用
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-exec/internal/workflow"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// Store 記憶體實例儲存
//
// 讀寫都經過拷貝，呼叫者拿到的實例與儲存內容互不共享。
type Store struct {
	mu        sync.RWMutex
	instances map[string]*types.WorkflowInstance
}

var _ workflow.Store = (*Store)(nil)

func New() *Store {
	return &Store{instances: make(map[string]*types.WorkflowInstance)}
}

func (s *Store) Create(_ context.Context, inst *types.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return workflow.ErrAlreadyExists
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*types.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *Store) CompareAndSwap(_ context.Context, inst *types.WorkflowInstance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[inst.ID]
	if !ok {
		return false, workflow.ErrNotFound
	}
	if current.Version != inst.Version {
		return false, nil
	}
	inst.Version++
	s.instances[inst.ID] = inst.Clone()
	return true, nil
}

func (s *Store) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, inst := range s.instances {
		if inst.EndTime != nil && inst.EndTime.Before(before) {
			delete(s.instances, id)
			n++
		}
	}
	return n, nil
}

// Len 目前實例數量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
