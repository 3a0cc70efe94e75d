// Package redisstore 以 redis 實作 workflow.Store
//
// 每個實例以 JSON 存放在 <prefix>wf:<id>，條件寫入使用 WATCH/MULTI/EXEC：
// 在 WATCH 之下讀取並比對版本，EXEC 時若鍵已被其他客戶端修改則整個交易放棄。
// 已結束的實例另外記錄在 <prefix>wf:ended（score 為 EndTime 毫秒），供過期清理使用。
package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/ChuLiYu/beaver-exec/internal/workflow"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

const DefaultPrefix = "beaver:"

var errVersionMismatch = errors.New("version mismatch")

type Store struct {
	client *redis.Client
	prefix string
}

var _ workflow.Store = (*Store)(nil)

func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(id string) string { return s.prefix + "wf:" + id }

func (s *Store) endedKey() string { return s.prefix + "wf:ended" }

func (s *Store) Create(ctx context.Context, inst *types.WorkflowInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrapf(err, "marshal workflow %s", inst.ID)
	}
	ok, err := s.client.SetNX(ctx, s.key(inst.ID), data, 0).Result()
	if err != nil {
		return errors.Wrapf(err, "create workflow %s", inst.ID)
	}
	if !ok {
		return workflow.ErrAlreadyExists
	}
	if inst.EndTime != nil {
		if err := s.client.ZAdd(ctx, s.endedKey(), endedMember(inst)).Err(); err != nil {
			return errors.Wrapf(err, "index ended workflow %s", inst.ID)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, id string) (*types.WorkflowInstance, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get workflow %s", id)
	}
	inst := &types.WorkflowInstance{}
	if err := json.Unmarshal(data, inst); err != nil {
		return nil, errors.Wrapf(err, "decode workflow %s", id)
	}
	return inst, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, inst *types.WorkflowInstance) (bool, error) {
	key := s.key(inst.ID)
	next := inst.Clone()
	next.Version++

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, inst.ID)
		if err != nil {
			return err
		}
		if current.Version != inst.Version {
			return errVersionMismatch
		}
		data, err := json.Marshal(next)
		if err != nil {
			return errors.Wrapf(err, "marshal workflow %s", inst.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if next.EndTime != nil {
				pipe.ZAdd(ctx, s.endedKey(), endedMember(next))
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		inst.Version = next.Version
		return true, nil
	case errors.Is(err, errVersionMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	case errors.Is(err, workflow.ErrNotFound):
		return false, err
	default:
		return false, errors.Wrapf(err, "compare and swap workflow %s", inst.ID)
	}
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.endedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "scan ended workflows")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
		members[i] = id
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.endedKey(), members...)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "delete ended workflows")
	}
	return int(deleted.Val()), nil
}

func endedMember(inst *types.WorkflowInstance) *redis.Z {
	return &redis.Z{Score: float64(inst.EndTime.UnixMilli()), Member: inst.ID}
}
