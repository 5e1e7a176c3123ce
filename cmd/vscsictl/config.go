package main

import (
	"fmt"

	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"
)

var configCommand = cli.Command{
	Name:  "config",
	Usage: "Print the effective options, defaults overlaid with the config file",
	Action: func(c *cli.Context) error {
		out, err := yaml.Marshal(cfgStore.Current())
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}
