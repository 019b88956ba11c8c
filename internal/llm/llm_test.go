package llm

import (
	"context"
	"testing"

	"github.com/grovetools/paramhub/config"
	"github.com/grovetools/paramhub/internal/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChatModel(t *testing.T) {
	cfg := config.Default().LLM
	m, err := NewChatModel(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, m)

	var _ command.Generator = m
}
