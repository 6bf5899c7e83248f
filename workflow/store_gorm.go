package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSearchLimit = 50
	maxListLimit       = 500
)

type CasePo struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CaseNumber   string    `gorm:"column:case_number;uniqueIndex" json:"case_number"`
	CurrentState CaseState `gorm:"column:current_state;index" json:"current_state"`
	ClientName   string    `gorm:"column:client_name" json:"client_name"`
	ProjectName  string    `gorm:"column:project_name" json:"project_name"`
	Assignee     *string   `gorm:"column:assignee" json:"assignee"`
	Version      int64     `gorm:"column:version" json:"version"`
	CreatedAt    int64     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    int64     `gorm:"column:updated_at" json:"updated_at"`
}

func (CasePo) TableName() string {
	return "workflow_case"
}

func (po *CasePo) toCase() *Case {
	ret := &Case{
		CaseNumber:   po.CaseNumber,
		CurrentState: po.CurrentState,
		ClientName:   po.ClientName,
		ProjectName:  po.ProjectName,
		CreatedAt:    po.CreatedAt,
		Version:      po.Version,
	}
	if po.Assignee != nil {
		assignee := *po.Assignee
		ret.Assignee = &assignee
	}
	return ret
}

// CaseTransitionPo 转换审计记录, 只插入不修改
type CaseTransitionPo struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TransitionID   string    `gorm:"column:transition_id;uniqueIndex"`
	CaseNumber     string    `gorm:"column:case_number;index"`
	FromState      CaseState `gorm:"column:from_state"`
	ToState        CaseState `gorm:"column:to_state"`
	Notes          string    `gorm:"column:notes"`
	TransitionedBy string    `gorm:"column:transitioned_by"`
	OccurredAt     int64     `gorm:"column:occurred_at"`
}

func (CaseTransitionPo) TableName() string {
	return "case_transition"
}

func (po *CaseTransitionPo) toRecord() *StateTransitionRecord {
	return &StateTransitionRecord{
		TransitionID:   po.TransitionID,
		CaseNumber:     po.CaseNumber,
		FromState:      po.FromState,
		ToState:        po.ToState,
		Notes:          po.Notes,
		TransitionedBy: po.TransitionedBy,
		OccurredAt:     po.OccurredAt,
	}
}

type CreateCaseParams struct {
	CaseNumber  string  `json:"case_number" validate:"required,max=64"`
	ClientName  string  `json:"client_name" validate:"required"`
	ProjectName string  `json:"project_name" validate:"required"`
	Assignee    *string `json:"assignee"`
}

// CaseRepo 基于gorm的权威存储, 除了 CaseRepository 还支持案件录入
type CaseRepo struct {
	db         *gorm.DB
	definition *WorkflowDefinition
	validator  *TransitionValidator
	logger     *zap.Logger
	now        func() time.Time
}

var _ CaseRepository = (*CaseRepo)(nil)

func NewCaseRepo(db *gorm.DB, definition *WorkflowDefinition, logger *zap.Logger) *CaseRepo {
	if definition == nil {
		definition = DefaultWorkflowDefinition()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseRepo{
		db:         db,
		definition: definition,
		validator:  NewTransitionValidator(definition),
		logger:     logger,
		now:        time.Now,
	}
}

// AutoMigrate 建表
func (r *CaseRepo) AutoMigrate() error {
	if err := r.db.AutoMigrate(&CasePo{}, &CaseTransitionPo{}); err != nil {
		return errors.WithMessage(err, "AutoMigrate failed")
	}
	return nil
}

// CreateCase 案件录入, 初始状态是流程的第一个状态, 版本号从1开始, 不产生转换记录
func (r *CaseRepo) CreateCase(ctx context.Context, param *CreateCaseParams) (*Case, error) {
	if param == nil {
		return nil, errors.WithMessage(ErrValidationFailed, "nil CreateCaseParams")
	}
	if err := validatorUtil.Struct(param); err != nil {
		return nil, errors.WithMessagef(ErrValidationFailed, "CreateCase param invalid, err: %v", err)
	}
	var count int64
	if err := r.GetDBWithContext(ctx).Model(&CasePo{}).Where("case_number = ?", param.CaseNumber).Count(&count).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateCase count failed")
	}
	if count > 0 {
		return nil, errors.WithMessagef(ErrValidationFailed, "case %s already exists", param.CaseNumber)
	}
	now := r.now().Unix()
	po := &CasePo{
		CaseNumber:   param.CaseNumber,
		CurrentState: r.definition.InitialState(),
		ClientName:   param.ClientName,
		ProjectName:  param.ProjectName,
		Assignee:     param.Assignee,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateCase failed")
	}
	return po.toCase(), nil
}

func (r *CaseRepo) ListByState(ctx context.Context, param *ListByStateParams) (*CasePage, error) {
	if param == nil {
		return nil, errors.WithMessage(ErrValidationFailed, "nil ListByStateParams")
	}
	if err := validatorUtil.Struct(param); err != nil {
		return nil, errors.WithMessagef(ErrValidationFailed, "ListByState param invalid, err: %v", err)
	}
	if !r.definition.IsValidState(param.State) {
		return nil, errors.WithMessagef(ErrValidationFailed, "unknown state: %s", param.State)
	}
	limit := param.Limit
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var total int64
	if err := r.GetDBWithContext(ctx).Model(&CasePo{}).Where("current_state = ?", param.State).Count(&total).Error; err != nil {
		return nil, errors.WithMessage(err, "ListByState count failed")
	}
	// 最近变化的案件排在前面, 和引擎乐观插入到桶头部的顺序一致
	pos := make([]*CasePo, 0)
	err := r.GetDBWithContext(ctx).Model(&CasePo{}).
		Where("current_state = ?", param.State).
		Order("updated_at desc").Order("id desc").
		Offset(param.Offset).Limit(limit).
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "ListByState failed")
	}
	page := &CasePage{Cases: make([]*Case, 0, len(pos)), Offset: param.Offset, Limit: limit, Total: total}
	for _, po := range pos {
		page.Cases = append(page.Cases, po.toCase())
	}
	return page, nil
}

func (r *CaseRepo) GetStatistics(ctx context.Context) (map[CaseState]int64, error) {
	type stateCount struct {
		CurrentState string `gorm:"column:current_state"`
		Total        int64  `gorm:"column:total"`
	}
	rows := make([]*stateCount, 0)
	err := r.GetDBWithContext(ctx).Model(&CasePo{}).
		Select("current_state, count(*) as total").
		Group("current_state").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.WithMessage(err, "GetStatistics failed")
	}
	ret := make(map[CaseState]int64, len(rows))
	for _, row := range rows {
		ret[row.CurrentState] = row.Total
	}
	return ret, nil
}

func (r *CaseRepo) GetCase(ctx context.Context, caseNumber string) (*Case, error) {
	po, err := r.getCasePo(ctx, caseNumber)
	if err != nil {
		return nil, err
	}
	return po.toCase(), nil
}

func (r *CaseRepo) getCasePo(ctx context.Context, caseNumber string) (*CasePo, error) {
	if caseNumber == "" {
		return nil, errors.WithMessage(ErrValidationFailed, "caseNumber is empty")
	}
	pos := make([]*CasePo, 0, 1)
	if err := r.GetDBWithContext(ctx).Where("case_number = ?", caseNumber).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "get case %s failed", caseNumber)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrNotFound, "caseNumber: %s", caseNumber)
	}
	return pos[0], nil
}

func (r *CaseRepo) GetTimeline(ctx context.Context, caseNumber string) ([]*StateTransitionRecord, error) {
	if _, err := r.getCasePo(ctx, caseNumber); err != nil {
		return nil, err
	}
	pos := make([]*CaseTransitionPo, 0)
	err := r.GetDBWithContext(ctx).Model(&CaseTransitionPo{}).
		Where("case_number = ?", caseNumber).
		Order("id asc").
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "GetTimeline failed, caseNumber: %s", caseNumber)
	}
	ret := make([]*StateTransitionRecord, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, po.toRecord())
	}
	return ret, nil
}

/**
 * @description: 条件写提交转换
 *				 1. 持久化的version必须等于ExpectedVersion, 否则 ErrConcurrentModification
 *				 2. 用持久化的状态再校验一次转换是否合法
 *				 3. 更新案件(version+1)并插入审计记录, 在同一个事务里
 * @param ctx
 * @param param
 * @return *ApplyTransitionResult, error
 */
func (r *CaseRepo) ApplyTransition(ctx context.Context, param *ApplyTransitionParams) (*ApplyTransitionResult, error) {
	if param == nil {
		return nil, errors.WithMessage(ErrValidationFailed, "nil ApplyTransitionParams")
	}
	if err := validatorUtil.Struct(param); err != nil {
		return nil, errors.WithMessagef(ErrValidationFailed, "ApplyTransition param invalid, err: %v", err)
	}
	var result *ApplyTransitionResult
	err := r.Transaction(ctx, func(ctx context.Context) error {
		po, err := r.getCasePo(ctx, param.CaseNumber)
		if err != nil {
			return err
		}
		if po.Version != param.ExpectedVersion {
			return errors.WithMessagef(ErrConcurrentModification,
				"caseNumber: %s, expected version %d, persisted version %d", param.CaseNumber, param.ExpectedVersion, po.Version)
		}
		if err := r.validator.Validate(po.toCase(), param.ToState); err != nil {
			return err
		}

		now := r.now().Unix()
		db := r.GetDBWithContext(ctx).Model(&CasePo{}).
			Where("case_number = ? AND version = ?", param.CaseNumber, param.ExpectedVersion).
			Updates(map[string]any{
				"current_state": param.ToState,
				"version":       gorm.Expr("version + 1"),
				"updated_at":    now,
			})
		if db.Error != nil {
			return errors.WithMessage(db.Error, "update case failed")
		}
		if db.RowsAffected != 1 {
			return errors.WithMessagef(ErrConcurrentModification, "caseNumber: %s, version %d already changed", param.CaseNumber, param.ExpectedVersion)
		}

		transitionPo := &CaseTransitionPo{
			TransitionID:   uuid.NewString(),
			CaseNumber:     param.CaseNumber,
			FromState:      po.CurrentState,
			ToState:        param.ToState,
			Notes:          param.Notes,
			TransitionedBy: param.Actor,
			OccurredAt:     now,
		}
		if err := r.GetDBWithContext(ctx).Create(transitionPo).Error; err != nil {
			return errors.WithMessage(err, "create transition record failed")
		}

		po.CurrentState = param.ToState
		po.Version = param.ExpectedVersion + 1
		po.UpdatedAt = now
		result = &ApplyTransitionResult{Case: po.toCase(), Record: transitionPo.toRecord()}
		return nil
	})
	if err != nil {
		if IsSeriousError(err) {
			r.logger.Error("ApplyTransition failed", zap.String("case_number", param.CaseNumber), zap.Error(err))
		}
		return nil, errors.WithMessage(err, "ApplyTransition failed")
	}
	r.logger.Info("transition applied",
		zap.String("case_number", param.CaseNumber),
		zap.String("from_state", result.Record.FromState),
		zap.String("to_state", result.Record.ToState),
		zap.Int64("version", result.Case.Version))
	return result, nil
}

// Search 按案件号、客户名、项目名模糊匹配
func (r *CaseRepo) Search(ctx context.Context, query string) ([]*Case, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return make([]*Case, 0), nil
	}
	like := "%" + escapeLike(query) + "%"
	pos := make([]*CasePo, 0)
	err := r.GetDBWithContext(ctx).Model(&CasePo{}).
		Where("case_number LIKE ? ESCAPE '\\' OR client_name LIKE ? ESCAPE '\\' OR project_name LIKE ? ESCAPE '\\'", like, like, like).
		Order("id desc").
		Limit(defaultSearchLimit).
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "Search failed, query: %s", query)
	}
	ret := make([]*Case, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, po.toCase())
	}
	return ret, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *CaseRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *CaseRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.WithMessage(tx.Error, "begin transaction failed")
	}
	err := fn(context.WithValue(ctx, transactionContextKey, tx))
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return errors.WithMessage(err, "commit transaction failed")
	}
	return nil
}
