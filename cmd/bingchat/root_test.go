package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Properties(t *testing.T) {
	assert.NotNil(t, rootCmd)
	assert.Equal(t, "bingchat", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.Contains(t, rootCmd.Short, "Bing Chat")
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	expectedCommands := []string{
		"start",
		"validate",
		"version",
	}

	subcommandNames := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		subcommandNames[cmd.Name()] = true
	}

	for _, expected := range expectedCommands {
		assert.True(t, subcommandNames[expected], "missing subcommand: %s", expected)
	}
}

func TestRootCommand_Help(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"bingchat", "--help"}
	assert.NoError(t, rootCmd.Execute())
}

func TestAllCommands_HaveUsage(t *testing.T) {
	for _, cmd := range rootCmd.Commands() {
		assert.NotEmpty(t, cmd.Use, "command %s should have usage", cmd.Name())
		assert.NotEmpty(t, cmd.Short, "command %s should have short description", cmd.Name())
	}
}

func TestCountCredentialFiles(t *testing.T) {
	dir := t.TempDir()
	assert.Zero(t, countCredentialFiles(dir))

	require.NoError(t, os.WriteFile(dir+"/a.json", []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(dir+"/b.json", []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(dir+"/notes.txt", []byte("x"), 0644))

	assert.Equal(t, 2, countCredentialFiles(dir))
}
