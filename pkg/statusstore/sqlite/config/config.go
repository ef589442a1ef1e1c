package config

import "flag"

type Config struct {
	Path string `yaml:"path"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Path, flagPrefix+"sqlite.path", "", `Path to the sqlite database file`)
}
