package cmd

import (
	"strings"
	"testing"

	"livedub/internal/platform/config"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestEveryConfigKeyHasAFlag(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	name := strings.NewReplacer(".", "-", "_", "-")

	for _, key := range v.AllKeys() {
		flag := name.Replace(key)
		found := rootCmd.PersistentFlags().Lookup(flag) != nil || serveCmd.Flags().Lookup(flag) != nil
		assert.True(t, found, "no flag %q for %s", flag, key)
	}
}

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"watch", "serve", "simulate"})
}

func TestWatchRequiresChannelAndLang(t *testing.T) {
	assert.Error(t, watchCmd.Args(watchCmd, []string{"news"}))
	assert.NoError(t, watchCmd.Args(watchCmd, []string{"news", "es"}))
}
