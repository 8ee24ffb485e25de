package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVolume(t *testing.T) {
	v, err := parseVolume("0.25")
	require.NoError(t, err)
	require.Equal(t, 0.25, v)

	_, err = parseVolume("1.5")
	require.Error(t, err)

	_, err = parseVolume("loud")
	require.Error(t, err)
}

func TestParseBool(t *testing.T) {
	for _, arg := range []string{"on", "true", "1", "muted"} {
		v, err := parseBool(arg)
		require.NoError(t, err)
		require.True(t, v)
	}
	for _, arg := range []string{"off", "false", "0", "unmuted"} {
		v, err := parseBool(arg)
		require.NoError(t, err)
		require.False(t, v)
	}
	_, err := parseBool("maybe")
	require.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand()

	expected := []string{
		"status", "channels", "apps", "outputs", "volume", "mute",
		"master", "output", "route", "unroute", "profile", "mic",
		"watch", "shutdown",
	}
	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range expected {
		require.True(t, names[want], "missing subcommand %s", want)
	}
}
