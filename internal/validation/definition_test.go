package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolrun/toolrun/pkg/schema"
)

func sampleAction() *schema.Action {
	return &schema.Action{
		Key:      "crm.create_contact",
		Name:     "Create Contact",
		OrgID:    "org-1",
		ToolID:   "tool-1",
		Method:   "POST",
		Endpoint: "/contacts",
		InputSchema: []schema.ParameterDescriptor{
			{Name: "email", Type: schema.ParamString, Required: true,
				Validation: &schema.ValidationRule{Format: "email"}},
			{Name: "stage", Type: schema.ParamEnum, Options: []string{"lead", "customer"}},
		},
	}
}

func TestValidateAction_Valid(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateAction(sampleAction()))
}

func TestValidateAction_Nil(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	err = v.ValidateAction(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateAction_MissingRequiredFields(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	action := sampleAction()
	action.Endpoint = ""

	err = v.ValidateAction(action)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateAction_BadMethod(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	action := sampleAction()
	action.Method = "FETCH"

	err = v.ValidateAction(action)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateAction_BadKeyPattern(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	action := sampleAction()
	action.Key = "Not A Key"

	err = v.ValidateAction(action)
	require.Error(t, err)
}

func TestValidateAction_DuplicateParamNames(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	action := sampleAction()
	action.InputSchema = append(action.InputSchema,
		schema.ParameterDescriptor{Name: "email", Type: schema.ParamString})

	err = v.ValidateAction(action)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate parameter")
}

func TestValidateAction_EnumWithoutOptions(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	action := sampleAction()
	action.InputSchema = []schema.ParameterDescriptor{
		{Name: "stage", Type: schema.ParamEnum},
	}

	err = v.ValidateAction(action)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no options")
}

func TestValidateAction_UnknownTopLevelField(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	// Descriptor-level validation rules are constrained too.
	action := sampleAction()
	action.InputSchema[0].Validation = &schema.ValidationRule{Format: "uuid"}

	err = v.ValidateAction(action)
	require.Error(t, err)
}
