package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Prompt      string  `validate:"required"`
	Temperature float64 `validate:"gte=0,lte=2"`
	TaskType    string  `validate:"omitempty,oneof=general summarize classify extract creative"`
}

func TestValidateStructPasses(t *testing.T) {
	assert.NoError(t, ValidateStruct(samplePayload{Prompt: "hi", Temperature: 0.3}))
	assert.NoError(t, ValidateStruct(samplePayload{Prompt: "hi", TaskType: "summarize"}))
}

func TestValidateStructFieldMessages(t *testing.T) {
	err := ValidateStruct(samplePayload{Temperature: 5, TaskType: "poetry"})
	require.Error(t, err)
	require.True(t, IsValidationError(err))

	fields := GetValidationFields(err)
	assert.Contains(t, fields["Prompt"], "required")
	assert.Contains(t, fields["Temperature"], "less than or equal to")
	assert.Contains(t, fields["TaskType"], "one of")
}

func TestIsValidationErrorOnForeignError(t *testing.T) {
	assert.False(t, IsValidationError(assert.AnError))
	assert.Nil(t, GetValidationFields(assert.AnError))
}
