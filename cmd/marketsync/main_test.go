package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	watch, _, err := root.Find([]string{"watch"})
	require.NoError(t, err)
	assert.Equal(t, "watch", watch.Name())
	require.NotNil(t, watch.Flags().Lookup("config"))
	assert.Equal(t, "configs/config.yaml", watch.Flags().Lookup("config").DefValue)

	feed, _, err := root.Find([]string{"feedsim"})
	require.NoError(t, err)
	for _, name := range []string{"addr", "token", "tick", "fault-rate", "seed"} {
		assert.NotNil(t, feed.Flags().Lookup(name), name)
	}
}

func TestWatchFailsOnMissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"watch", "--config", t.TempDir() + "/missing.yaml"})
	assert.Error(t, root.Execute())
}
