package main

import (
	"context"
	"os"
	"os/signal"

	escrowd "github.com/hashlocked/escrowd"
	"github.com/hashlocked/escrowd/config"
	"github.com/hashlocked/escrowd/escrow"
	"github.com/hashlocked/escrowd/events"
	"github.com/hashlocked/escrowd/log"
	"github.com/hashlocked/escrowd/registry"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func start(cliCtx *cli.Context) error {
	c, err := config.Load(cliCtx)
	if err != nil {
		return err
	}

	log.Init(c.Log)

	if c.Log.Environment == log.EnvironmentDevelopment {
		escrowd.PrintVersion(os.Stdout)
		log.Info("starting escrow registry")
	} else if c.Log.Environment == log.EnvironmentProduction {
		logVersion()
	}

	broker := events.NewBroker(log.GetDefaultLogger())
	defer broker.Close()

	reg, err := registry.New(log.GetDefaultLogger(), c.Registry, broker, escrow.SystemClock{})
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Errorf("error closing registry: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return logEvents(ctx, broker) })
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// logEvents mirrors every registry event into the log until the context ends.
func logEvents(ctx context.Context, broker *events.Broker) error {
	ch, cancel := broker.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			log.Infof("event %s, order %s, side %s", event.Type, event.OrderHash.Hex(), event.Side)
		}
	}
}

func logVersion() {
	log.Infow("starting escrow registry",
		"gitRevision", escrowd.GitRev,
		"gitBranch", escrowd.GitBranch,
		"goVersion", escrowd.GetVersion().GoVersion,
		"built", escrowd.BuildDate,
		"os/arch", escrowd.GetVersion().OS+"/"+escrowd.GetVersion().Arch,
	)
}
