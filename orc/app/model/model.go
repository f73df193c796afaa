package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wfchen/durable/common/metrics"
	"github.com/wfchen/durable/common/operator"
	"github.com/wfchen/durable/define"
)

var (
	ErrNotExist         = errors.New("not exist")
	ErrAlreadyExist     = errors.New("already exist")
	ErrNotExpectedState = errors.New("state of instance is not expected")
)

var (
	storageTimer = metrics.NewTimer("durable", "model", "history storage timer", []string{"op", "ret"})
)

// Storage persists workflow instances and their append only history.
// Appends are serialized per instance; writes for different instances are
// independent.
type Storage interface {
	Timeout() time.Duration
	SetTimeout(t time.Duration)

	// query
	Exist(ctx context.Context, instanceId string) error
	GetInstance(ctx context.Context, instanceId string) (*Instance, error)
	GetHistory(ctx context.Context, instanceId string) ([]*HistoryEvent, error)

	// update
	CreateInstance(ctx context.Context, in *Instance) error
	AppendEvents(ctx context.Context, instanceId string, events []*HistoryEvent) error
	UpdateInstance(ctx context.Context, in *Instance) error
	UpdateInstanceConditions(ctx context.Context, in *Instance, cb func(old *Instance) error) error

	// recovery
	FindRunning(ctx context.Context, limit int) ([]*Instance, error)
}

type modelStorage struct {
	Db           *gorm.DB
	timeout      time.Duration
	defaultTxOpt *sql.TxOptions
}

func NewStorage(driver string, dsn string, timeout time.Duration, maxConn int, maxIdleConn int) (Storage, error) {
	store := &modelStorage{}
	switch driver {
	case "postgresql":
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			SkipDefaultTransaction: true,
		})
		if err != nil {
			return nil, err
		}
		store.Db = db
		sdb, err := db.DB()
		if err != nil {
			return nil, err
		}
		sdb.SetMaxOpenConns(maxConn)
		sdb.SetMaxIdleConns(maxIdleConn)
	default:
		return nil, errors.New("unknown driver")
	}

	store.timeout = timeout
	store.defaultTxOpt = &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
	}

	return store, nil
}

func (ms *modelStorage) Timeout() time.Duration {
	return ms.timeout
}

func (ms *modelStorage) SetTimeout(t time.Duration) {
	ms.timeout = t
}

func (ms *modelStorage) timeoutContext(ctx context.Context) (context.Context, context.CancelFunc) {
	_, ok := ctx.Deadline()
	if ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, ms.timeout)
}

func (ms *modelStorage) Exist(ctx context.Context, instanceId string) (err error) {
	defer storageTimer.Timer()("Exist", operator.IfElse((err != nil), "err", "ok").(string))

	ctx, cancel := ms.timeoutContext(ctx)
	defer cancel()

	in := &Instance{}
	err = ms.Db.WithContext(ctx).Model(in).Where("instance_id=?", instanceId).First(in).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotExist
		}
		return fmt.Errorf("db error : %v", err)
	}
	return nil
}

func (ms *modelStorage) GetInstance(ctx context.Context, instanceId string) (in *Instance, err error) {
	defer storageTimer.Timer()("GetInstance", operator.IfElse((err != nil), "err", "ok").(string))

	ctx, cancel := ms.timeoutContext(ctx)
	defer cancel()

	in = &Instance{}
	txr := ms.Db.WithContext(ctx).Model(&Instance{}).Where("instance_id=?", instanceId).Find(in)
	if txr.Error != nil {
		return nil, txr.Error
	}
	if txr.RowsAffected == 0 {
		return nil, ErrNotExist
	}
	return in, nil
}

func (ms *modelStorage) GetHistory(ctx context.Context, instanceId string) (events []*HistoryEvent, err error) {
	defer storageTimer.Timer()("GetHistory", operator.IfElse((err != nil), "err", "ok").(string))

	ctx, cancel := ms.timeoutContext(ctx)
	defer cancel()

	events = make([]*HistoryEvent, 0)
	txr := ms.Db.WithContext(ctx).Model(&HistoryEvent{}).
		Where("instance_id=?", instanceId).Order("sequence ASC").Find(&events)
	if txr.Error != nil && txr.Error != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("db error : %v", txr.Error)
	}
	return events, nil
}

func (ms *modelStorage) CreateInstance(ctx context.Context, in *Instance) (err error) {
	defer storageTimer.Timer()("CreateInstance", operator.IfElse((err != nil), "err", "ok").(string))

	ctx, cancel := ms.timeoutContext(ctx)
	defer cancel()

	err = ms.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := &Instance{}
		txr := tx.Model(&Instance{}).Where("instance_id=?", in.InstanceId).Find(old)
		if txr.Error != nil {
			return txr.Error
		}
		if txr.RowsAffected > 0 {
			return ErrAlreadyExist
		}
		return tx.Model(&Instance{}).Create(in).Error
	}, ms.defaultTxOpt)
	return err
}

// AppendEvents assigns the next sequence numbers under an instance row lock,
// keeping the per instance history strictly ordered with one writer at a
// time.
func (ms *modelStorage) AppendEvents(ctx context.Context, instanceId string, events []*HistoryEvent) (err error) {
	defer storageTimer.Timer()("AppendEvents", operator.IfElse((err != nil), "err", "ok").(string))
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := ms.timeoutContext(ctx)
	defer cancel()

	err = ms.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		in := &Instance{}
		txr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("instance_id=?", instanceId).Find(in)
		if txr.Error != nil {
			return txr.Error
		}
		if txr.RowsAffected == 0 {
			return ErrNotExist
		}

		maxSeq := 0
		row := tx.Model(&HistoryEvent{}).Where("instance_id=?", instanceId).
			Select("COALESCE(MAX(sequence), 0)").Row()
		if err := row.Scan(&maxSeq); err != nil {
			return err
		}

		for i, ev := range events {
			ev.InstanceId = instanceId
			ev.Sequence = maxSeq + 1 + i
		}
		return tx.Model(&HistoryEvent{}).Create(events).Error
	}, ms.defaultTxOpt)
	return err
}

func (ms *modelStorage) UpdateInstance(ctx context.Context, in *Instance) (err error) {
	defer storageTimer.Timer()("UpdateInstance", operator.IfElse((err != nil), "err", "ok").(string))

	ctx, cancel := ms.timeoutContext(ctx)
	defer cancel()

	txr := ms.Db.WithContext(ctx).Model(&Instance{}).Where("instance_id=?", in.InstanceId).
		Updates(map[string]interface{}{
			"runtime_status": in.RuntimeStatus,
			"output":         in.Output,
			"failure_reason": in.FailureReason,
			"custom_status":  in.CustomStatus,
			"updated_time":   gorm.Expr("NOW()"),
		})
	if txr.Error != nil {
		return txr.Error
	}
	if txr.RowsAffected == 0 {
		return ErrNotExist
	}
	return nil
}

// UpdateInstanceConditions applies in after cb accepts the stored row, all
// inside one transaction. Used for terminal transitions so a terminal status
// is never overwritten.
func (ms *modelStorage) UpdateInstanceConditions(ctx context.Context, in *Instance, cb func(old *Instance) error) (err error) {
	defer storageTimer.Timer()("UpdateInstanceConditions", operator.IfElse((err != nil), "err", "ok").(string))

	ctx, cancel := ms.timeoutContext(ctx)
	defer cancel()

	err = ms.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := &Instance{}
		txr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("instance_id=?", in.InstanceId).Find(old)
		if txr.Error != nil {
			return txr.Error
		}
		if txr.RowsAffected == 0 {
			return ErrNotExist
		}

		if err := cb(old); err != nil {
			return err
		}

		return tx.Model(&Instance{}).Where("instance_id=?", in.InstanceId).
			Updates(map[string]interface{}{
				"runtime_status": in.RuntimeStatus,
				"output":         in.Output,
				"failure_reason": in.FailureReason,
				"custom_status":  in.CustomStatus,
				"updated_time":   gorm.Expr("NOW()"),
			}).Error
	}, ms.defaultTxOpt)
	return err
}

func (ms *modelStorage) FindRunning(ctx context.Context, limit int) (ins []*Instance, err error) {
	defer storageTimer.Timer()("FindRunning", operator.IfElse((err != nil), "err", "ok").(string))

	ctx, cancel := ms.timeoutContext(ctx)
	defer cancel()

	ins = make([]*Instance, 0)
	txr := ms.Db.WithContext(ctx).Model(&Instance{}).
		Where("runtime_status = ?", define.RuntimeStatusRunning).
		Order("updated_time ASC").Limit(limit).Find(&ins)
	if txr.Error != nil {
		return nil, txr.Error
	}
	return ins, nil
}
