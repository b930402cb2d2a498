package errors_test

import (
	stderrors "errors"
	"testing"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name  string
		code  memerr.Code
		check func(error) bool
	}{
		{"validation", memerr.CodeItemInvalid, memerr.IsValidation},
		{"validation input", memerr.CodeEventInvalid, memerr.IsValidation},
		{"config", memerr.CodeBudgetInfeasible, memerr.IsValidation},
		{"fenced", memerr.CodeItemFenced, memerr.IsFenced},
		{"degraded vector", memerr.CodeVectorDegraded, memerr.IsDegraded},
		{"degraded oracle", memerr.CodeOracleDegraded, memerr.IsDegraded},
		{"hard dependency", memerr.CodeStoreUnavailable, memerr.IsHardDependency},
		{"sla", memerr.CodeSLAViolation, memerr.IsSLAViolation},
		{"not found", memerr.CodeItemNotFound, memerr.IsNotFound},
		{"conflict", memerr.CodeItemConflict, memerr.IsConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := memerr.New(tt.code, "boom")
			assert.True(t, tt.check(err))
			assert.Equal(t, tt.code, memerr.CodeOf(err))
		})
	}
}

func TestClassesAreDisjoint(t *testing.T) {
	err := memerr.New(memerr.CodeItemFenced, "fenced")
	assert.False(t, memerr.IsValidation(err))
	assert.False(t, memerr.IsHardDependency(err))
	assert.False(t, memerr.IsDegraded(err))
}

func TestWrapKeepsCauseAndFields(t *testing.T) {
	cause := stderrors.New("disk gone")
	err := memerr.Wrap(cause, memerr.CodeStoreUnavailable, "reading items", memerr.FieldUserID("u1"))
	require.Error(t, err)
	assert.True(t, memerr.IsHardDependency(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "u1", memerr.FieldsOf(err)["user_id"])
}

func TestNilHandling(t *testing.T) {
	assert.NoError(t, memerr.Wrap(nil, memerr.CodeStoreUnavailable, "x"))
	assert.Equal(t, memerr.Code(""), memerr.CodeOf(nil))
	assert.False(t, memerr.IsFenced(nil))
	assert.False(t, memerr.IsFenced(stderrors.New("plain")))
}
