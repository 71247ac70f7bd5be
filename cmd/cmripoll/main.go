/*
MIT License

Copyright (c) 2015-2024 University Corporation for Atmospheric Research

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NCAR/cmrio"
	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	app     = kingpin.New("cmripoll", "Polls a C/MRI bus and reports what the units see")
	debug   = app.Flag("debug", "Log every exchange").Bool()
	runFor  = app.Flag("for", "Stop after this long and print the store (0 runs until interrupted)").Default("0s").Duration()
	dump    = app.Flag("dump", "Print the store this often (0 never)").Default("0s").Duration()
	cfgPath = app.Arg("config", "YAML configuration file").Required().ExistingFile()
)

func main() {
	_ = kingpin.MustParse(app.Parse(os.Args[1:]))
	log := newLogger(*debug)
	defer log.Sync()
	if err := run(log); err != nil {
		log.Fatal("cmripoll", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}

func run(log *zap.Logger) error {
	cfg, err := Load(*cfgPath)
	if err != nil {
		return err
	}
	if err := Validate(cfg); err != nil {
		return errors.Wrap(err, "config validation failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeouts := cmrio.NewTimeouts(0, log.Named("timeouts"))
	defer timeouts.ShutdownNow()
	store := cmrio.NewStore[int](log.Named("store"))
	tr := cmrio.NewSerialTransport(cmrio.SerialTransportConfig{
		Store:    store,
		Timeouts: timeouts,
		Log:      log.Named("transport"),
	})
	if err := tr.Properties().SetAll(cfg.Properties()); err != nil {
		return err
	}
	for _, n := range cfg.Nodes {
		init, query, _ := n.Messages() //checked by Validate
		store.SetInitMessages(n.Address, init)
		if query != nil {
			store.SetQueryMessage(n.Address, query)
		}
		if err := tr.AddUnit(n.Address); err != nil {
			return err
		}
	}

	if cfg.MQTT != nil {
		pub, err := NewPublisher(*cfg.MQTT, store, log.Named("mqtt"))
		if err != nil {
			return err
		}
		defer pub.Close()
	}

	if !tr.Attach() {
		return errors.Errorf("unable to attach to %s", cfg.Transport.Port)
	}
	defer tr.Detach()
	if err := tr.SetPolling(true); err != nil {
		return err
	}
	log.Debug("properties\n" + tr.Properties().String())

	var (
		deadline <-chan struct{}
		final    *cmrio.Future[string]
		tick     <-chan time.Time
	)
	if *runFor > 0 {
		final, err = cmrio.ScheduleWithResult(timeouts, *runFor, func() (string, error) {
			return store.String(), nil
		})
		if err != nil {
			return err
		}
		deadline = final.Done()
	}
	if *dump > 0 {
		t := time.NewTicker(*dump)
		defer t.Stop()
		tick = t.C
	}

	poller := tr.Poller()
	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted")
			return nil
		case <-deadline:
			table, err := final.Get(ctx)
			if err != nil {
				return err
			}
			fmt.Print(table)
			return nil
		case <-tick:
			fmt.Print(store.String())
		case <-poller.Done():
			if err := poller.Err(); err != nil {
				return errors.Wrap(err, "polling stopped")
			}
			return nil
		}
	}
}
