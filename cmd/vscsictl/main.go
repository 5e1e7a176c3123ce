package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"go.opencensus.io/trace"

	"github.com/openvmk/vscsi/internal/conf"
	"github.com/openvmk/vscsi/internal/log"
	"github.com/openvmk/vscsi/internal/oc"
)

var cfgStore *conf.Store

func main() {
	app := cli.NewApp()
	app.Name = "vscsictl"
	app.Usage = "virtual SCSI storage core utility"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "path to the YAML options file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "logging level (trace, debug, info, warn, error)",
			Value: "info",
		},
		cli.BoolFlag{
			Name:  "log-json",
			Usage: "emit logs as JSON",
		},
	}
	app.Before = func(c *cli.Context) error {
		lvl, err := logrus.ParseLevel(c.GlobalString("log-level"))
		if err != nil {
			return err
		}
		logrus.SetLevel(lvl)
		logrus.AddHook(log.NewHook())
		if c.GlobalBool("log-json") {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: log.TimeFormat})
		}
		trace.ApplyConfig(trace.Config{DefaultSampler: oc.DefaultSampler})

		cfg := conf.Default()
		if path := c.GlobalString("config"); path != "" {
			if cfg, err = conf.Load(path); err != nil {
				return err
			}
		}
		cfgStore = conf.NewStore(cfg)
		return nil
	}
	app.Commands = []cli.Command{
		configCommand,
		simCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
