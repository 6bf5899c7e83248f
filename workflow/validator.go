package workflow

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// 请求参数校验
var validatorUtil = validator.New(validator.WithRequiredStructEnabled())

// TransitionValidator 转换校验器
// 规则按顺序:
//  1. 当前状态是终止状态, 返回 ErrAlreadyTerminal
//  2. 目标状态不是唯一的后继状态, 返回 ErrIllegalTransition(不能跳过, 不能回退, 不能去任意状态)
//  3. 其他情况通过
type TransitionValidator struct {
	definition *WorkflowDefinition
}

func NewTransitionValidator(definition *WorkflowDefinition) *TransitionValidator {
	if definition == nil {
		definition = DefaultWorkflowDefinition()
	}
	return &TransitionValidator{definition: definition}
}

func (v *TransitionValidator) Validate(caseRecord *Case, toState CaseState) error {
	if caseRecord == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "case is nil")
	}
	if v.definition.IsTerminal(caseRecord.CurrentState) {
		return errors.WithMessagef(ErrAlreadyTerminal, "case %s is %s", caseRecord.CaseNumber, caseRecord.CurrentState)
	}
	expected, ok := v.definition.NextState(caseRecord.CurrentState)
	if !ok {
		return errors.WithMessagef(ErrIllegalTransition, "case %s state %s has no next state", caseRecord.CaseNumber, caseRecord.CurrentState)
	}
	if expected != toState {
		return errors.WithMessagef(ErrIllegalTransition, "case %s can not move %s->%s, expected %s",
			caseRecord.CaseNumber, caseRecord.CurrentState, toState, expected)
	}
	return nil
}
