package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceURL(t *testing.T) {
	got, err := presenceURL("ws://localhost:24680/rt", "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:24680/api/presence", got)

	got, err = presenceURL("wss://relay.example.org/voice", "a1")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.org/api/presence?exclude=a1", got)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".wav", extension("audio/wav"))
	assert.Equal(t, ".webm", extension("audio/webm"))
}
