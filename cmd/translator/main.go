package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cosiner/flag"
	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp-translator/internal/config"
	"github.com/limhud/bgp-translator/internal/translator"
)

// Flags holds the command line arguments.
type Flags struct {
	Config string `names:"-c, --config" usage:"path to the configuration file" default:"/etc/bgp-translator/translator.yaml"`
	Debug  bool   `names:"-d, --debug" usage:"force debug logging, ignoring the configuration file"`
}

func main() {
	var flags Flags
	if err := flag.NewFlagSet(flag.Flag{}).ParseStruct(&flags, os.Args...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	loggo.GetLogger("").SetLogLevel(loggo.INFO)
	if flags.Debug {
		loggo.GetLogger("").SetLogLevel(loggo.DEBUG)
		config.SetLogLevelImmutable()
	}

	config.SetConfigFile(flags.Config)
	if err := config.ReadInConfig(); err != nil {
		loggo.GetLogger("").Criticalf(stacktrace.Propagate(err, "fail to read configuration").Error())
		os.Exit(1)
	}
	if config.GetDebug() && !flags.Debug {
		loggo.GetLogger("").Debugf("debug logging enabled by <%s>", flags.Config)
	}
	if dump, err := config.String(); err == nil {
		loggo.GetLogger("").Debugf("%s", dump)
	}

	s, err := translator.NewService()
	if err != nil {
		loggo.GetLogger("").Criticalf(stacktrace.Propagate(err, "fail to create translator").Error())
		os.Exit(1)
	}
	if err := s.Start(); err != nil {
		loggo.GetLogger("").Criticalf(stacktrace.Propagate(err, "fail to start translator").Error())
		os.Exit(1)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGHUP)
	done := s.Done()
	for {
		select {
		case sig := <-signals:
			switch sig {
			case syscall.SIGUSR1:
				s.ToggleDebug()
				continue
			case syscall.SIGHUP:
				if err := config.CheckFile(); err != nil {
					loggo.GetLogger("").Warningf("config file <%s> does not match the running configuration, restart to apply: %s", flags.Config, err)
				} else {
					loggo.GetLogger("").Infof("config file <%s> matches the running configuration", flags.Config)
				}
				continue
			default:
				loggo.GetLogger("").Infof("received <%s>, shutting down", sig)
				if err := s.Shutdown(5*time.Second, 30*time.Second); err != nil {
					loggo.GetLogger("").Errorf(err.Error())
					os.Exit(1)
				}
				os.Exit(0)
			}
		case err := <-done:
			if err != nil {
				loggo.GetLogger("").Criticalf(stacktrace.Propagate(err, "translator stopped").Error())
				os.Exit(1)
			}
			os.Exit(0)
		}
	}
}
