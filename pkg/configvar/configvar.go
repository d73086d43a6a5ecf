// Package configvar declares settings readable from a flag, an environment variable or a default,
// in that order of precedence.
package configvar

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Var[T any] struct {
	EnvKey  string
	FlagKey string
	Default T
	Usage   string
}

// Bind defines the flag with define (e.g. pflag.Int) and binds its env key in viper.
func Bind[T any](v Var[T], define func(name string, value T, usage string) *T) {
	define(v.FlagKey, v.Default, v.Usage)
	viper.BindEnv(v.FlagKey, v.EnvKey)
	viper.SetDefault(v.FlagKey, v.Default)
}

// Parse parses the command line and lets set flags override env values.
func Parse() {
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
}
