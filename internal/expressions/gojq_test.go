package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolrun/toolrun/pkg/schema"
)

func TestGoJQEngine_SingleOutput(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{"items": []any{map[string]any{"id": 1.0}, map[string]any{"id": 2.0}}}
	out, err := e.Evaluate(context.Background(), ".items | length", data)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestGoJQEngine_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{"items": []any{map[string]any{"id": 1.0}, map[string]any{"id": 2.0}}}
	out, err := e.Evaluate(context.Background(), ".items[].id", data)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)
}

func TestGoJQEngine_IntNormalization(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".count + 1", map[string]any{"count": 41})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".items[", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGoJQEngine_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), "$ENV.HOME", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
