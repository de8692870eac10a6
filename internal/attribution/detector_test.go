package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectOperator_FromEnvironment(t *testing.T) {
	t.Setenv("AIE_OPERATOR", "  dispatch-bot ")
	assert.Equal(t, "dispatch-bot", detectOperatorUncached())
}

func TestDetectOperator_Fallback(t *testing.T) {
	t.Setenv("AIE_OPERATOR", "")
	t.Setenv("PATH", "")
	t.Setenv("USER", "sconnor")
	assert.Equal(t, "sconnor", detectOperatorUncached())

	t.Setenv("USER", "")
	assert.Equal(t, "unknown", detectOperatorUncached())
}
