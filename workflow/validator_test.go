package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionValidator_Validate(t *testing.T) {
	validator := NewTransitionValidator(nil)
	testCases := []struct {
		name    string
		from    CaseState
		to      CaseState
		wantErr error
	}{
		{name: "下一个状态", from: CaseStateQuotation, to: CaseStateOrder},
		{name: "最后一步", from: CaseStateDelivery, to: CaseStateClosed},
		{name: "跳过状态", from: CaseStateQuotation, to: CaseStateProduction, wantErr: ErrIllegalTransition},
		{name: "回退", from: CaseStateOrder, to: CaseStateQuotation, wantErr: ErrIllegalTransition},
		{name: "原地不动", from: CaseStateOrder, to: CaseStateOrder, wantErr: ErrIllegalTransition},
		{name: "未知目标状态", from: CaseStateEnquiry, to: "archived", wantErr: ErrIllegalTransition},
		{name: "未知当前状态", from: "archived", to: CaseStateEnquiry, wantErr: ErrIllegalTransition},
		{name: "已关闭", from: CaseStateClosed, to: CaseStateEnquiry, wantErr: ErrAlreadyTerminal},
		// 规则1优先
		{name: "已关闭且目标非法", from: CaseStateClosed, to: CaseStateClosed, wantErr: ErrAlreadyTerminal},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.Validate(&Case{CaseNumber: "C-1", CurrentState: tc.from}, tc.to)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.wantErr, TransitionErrorKind(err))
		})
	}

	require.ErrorIs(t, validator.Validate(nil, CaseStateOrder), ErrWorkflowParamInvalid)
}
