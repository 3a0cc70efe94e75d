// Package gormstore 以 gorm 實作 workflow.Store，支援 mysql 與 sqlite
//
// 條件寫入為單一 UPDATE ... WHERE id = ? AND version = ?，
// 以影響列數判斷是否成功，不需要資料庫鎖。
package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/beaver-exec/internal/log"
	"github.com/ChuLiYu/beaver-exec/internal/workflow"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// Record workflow_instances 資料表
type Record struct {
	ID           string     `gorm:"primaryKey;size:64"`
	DefinitionID string     `gorm:"size:128;index"`
	Status       string     `gorm:"size:32;index"`
	ActiveNodes  string     `gorm:"type:text"`
	Context      string     `gorm:"type:text"`
	Version      int64      `gorm:"not null;default:0"`
	StartTime    time.Time  `gorm:"not null"`
	EndTime      *time.Time `gorm:"index"`
	ErrorMessage string     `gorm:"type:text"`
}

func (Record) TableName() string { return "workflow_instances" }

type Store struct {
	db *gorm.DB
}

var _ workflow.Store = (*Store)(nil)

// Open 依 driver（mysql 或 sqlite）開啟資料庫，SQL 日誌輸出到 zap
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("gormstore: unsupported driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(log.OrGlobal(logger, "gorm")),
	})
}

// New 建立儲存並自動遷移資料表
func New(ctx context.Context, db *gorm.DB) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "migrate workflow_instances")
	}
	return &Store{db: db}, nil
}

func (s *Store) Create(ctx context.Context, inst *types.WorkflowInstance) error {
	rec, err := toRecord(inst)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "create workflow %s", inst.ID)
	}
	if res.RowsAffected == 0 {
		return workflow.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get workflow %s", id)
	}
	return fromRecord(&rec)
}

func (s *Store) CompareAndSwap(ctx context.Context, inst *types.WorkflowInstance) (bool, error) {
	rec, err := toRecord(inst)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND version = ?", inst.ID, inst.Version).
		Updates(map[string]interface{}{
			"definition_id": rec.DefinitionID,
			"status":        rec.Status,
			"active_nodes":  rec.ActiveNodes,
			"context":       rec.Context,
			"end_time":      rec.EndTime,
			"error_message": rec.ErrorMessage,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "compare and swap workflow %s", inst.ID)
	}
	if res.RowsAffected == 1 {
		inst.Version++
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", inst.ID).Count(&count).Error; err != nil {
		return false, errors.Wrapf(err, "check workflow %s", inst.ID)
	}
	if count == 0 {
		return false, workflow.ErrNotFound
	}
	return false, nil
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("end_time IS NOT NULL AND end_time < ?", before).
		Delete(&Record{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "delete ended workflows")
	}
	return int(res.RowsAffected), nil
}

func toRecord(inst *types.WorkflowInstance) (*Record, error) {
	nodes, err := json.Marshal(inst.ActiveNodeList())
	if err != nil {
		return nil, errors.Wrapf(err, "encode active nodes of %s", inst.ID)
	}
	vars := inst.Context
	if vars == nil {
		vars = map[string]interface{}{}
	}
	ctxData, err := json.Marshal(vars)
	if err != nil {
		return nil, errors.Wrapf(err, "encode context of %s", inst.ID)
	}
	return &Record{
		ID:           inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       string(inst.Status),
		ActiveNodes:  string(nodes),
		Context:      string(ctxData),
		Version:      inst.Version,
		StartTime:    inst.StartTime,
		EndTime:      inst.EndTime,
		ErrorMessage: inst.ErrorMessage,
	}, nil
}

func fromRecord(rec *Record) (*types.WorkflowInstance, error) {
	var nodes []string
	if err := json.Unmarshal([]byte(rec.ActiveNodes), &nodes); err != nil {
		return nil, errors.Wrapf(err, "decode active nodes of %s", rec.ID)
	}
	vars := map[string]interface{}{}
	if err := json.Unmarshal([]byte(rec.Context), &vars); err != nil {
		return nil, errors.Wrapf(err, "decode context of %s", rec.ID)
	}
	return &types.WorkflowInstance{
		ID:           rec.ID,
		DefinitionID: rec.DefinitionID,
		Status:       types.JobStatus(rec.Status),
		ActiveNodes:  types.NodeSet(nodes...),
		Context:      vars,
		Version:      rec.Version,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		ErrorMessage: rec.ErrorMessage,
	}, nil
}
