package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
)

func TestFromConfig(t *testing.T) {
	base := func(provider string) *config.Config {
		return &config.Config{
			Runtime: &config.RuntimeConfig{Provider: provider, Local: &config.LocalRuntimeConfig{Command: "/bin/true"}},
			Store:   &config.StoreConfig{DataDir: t.TempDir()},
		}
	}

	p, err := FromConfig(base("local"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())

	p, err = FromConfig(base("stub"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Name())

	_, err = FromConfig(base("gateway"), nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = FromConfig(base("docker"), nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
