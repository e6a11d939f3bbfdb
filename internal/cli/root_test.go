package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "cartsync", cmd.Use)
	assert.Contains(t, cmd.Long, "rolled back")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"cart", "listen", "relay", "test", "config"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestCartSubcommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"show", "add", "remove", "decrement", "clear"} {
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{"cart", name})
			require.NoError(t, err)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestCartCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	cartCmd, _, err := cmd.Find([]string{"cart"})
	require.NoError(t, err)

	for _, name := range []string{"storage", "db", "order-url"} {
		require.NotNil(t, cartCmd.PersistentFlags().Lookup(name), "flag %s", name)
	}
	waitFlag := cartCmd.PersistentFlags().Lookup("wait")
	require.NotNil(t, waitFlag)
	assert.Equal(t, "30s", waitFlag.DefValue)

	addCmd, _, err := cmd.Find([]string{"cart", "add"})
	require.NoError(t, err)
	priceFlag := addCmd.Flags().Lookup("price")
	require.NotNil(t, priceFlag)
	assert.Equal(t, "0", priceFlag.DefValue)

	removeCmd, _, err := cmd.Find([]string{"cart", "remove"})
	require.NoError(t, err)
	assert.Nil(t, removeCmd.Flags().Lookup("price"), "only add takes a price")

	clearCmd, _, err := cmd.Find([]string{"cart", "clear"})
	require.NoError(t, err)
	require.NotNil(t, clearCmd.Flags().Lookup("reset"))
}

func TestListenCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	listenCmd, _, err := cmd.Find([]string{"listen"})
	require.NoError(t, err)

	require.NotNil(t, listenCmd.Flags().Lookup("url"))
	require.NotNil(t, listenCmd.Flags().Lookup("token"))
	countFlag := listenCmd.Flags().Lookup("count")
	require.NotNil(t, countFlag)
	assert.Equal(t, "0", countFlag.DefValue)
}

func TestRelayCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	relayCmd, _, err := cmd.Find([]string{"relay"})
	require.NoError(t, err)

	for _, name := range []string{"addr", "token", "redis", "channel"} {
		require.NotNil(t, relayCmd.Flags().Lookup(name), "flag %s", name)
	}
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	testCmd, _, err := cmd.Find([]string{"test"})
	require.NoError(t, err)

	updateFlag := testCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	require.NotNil(t, testCmd.Flags().Lookup("filter"))
	require.NotNil(t, testCmd.Flags().Lookup("golden"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "cart", "show"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "E_COMMAND", errorCode(ExitCommandError))
	assert.Equal(t, "E_FAILED", errorCode(ExitFailure))
}
