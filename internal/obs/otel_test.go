package obs

import (
	"context"
	"testing"

	"github.com/Domenick1991/tutorbooking/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), config.TracingConfig{Enabled: false}, "app")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
