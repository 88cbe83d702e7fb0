// Daemon keeping the control channel between this appliance controller
// and the remote cloud. Reads HCL config, runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/cloudtele/cloudtele/internal/state"
	tele "github.com/cloudtele/cloudtele/internal/tele"
	"github.com/cloudtele/cloudtele/log2"
	tele_api "github.com/cloudtele/cloudtele/tele"
)

var BuildVersion string = "unknown" // set by ldflags -X

func main() {
	flagConfig := flag.String("config", "cloudtele.hcl", "")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Parse()

	if *flagVersion {
		fmt.Printf("cloudtele %s\n", BuildVersion)
		return
	}

	log := log2.NewStderr(log2.LInfo)
	if sdnotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Infof("cloudtele version=%s", BuildVersion)

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	config.Tele.BuildVersion = BuildVersion

	ctx := context.Background()
	t := tele.New()
	if err := t.Init(ctx, log, config.Tele); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	cancelState := t.OnStateChange(func(s tele_api.State) {
		log.Infof("channel %s", s)
	})
	defer cancelState()
	cancelEvents := t.Subscribe(tele_api.Wildcard, func(ev tele_api.Event) {
		name := config.DeviceName(ev.DeviceID)
		switch ev.Kind {
		case tele_api.EventLiveness:
			log.Infof("device=%s online=%t", name, ev.Online)
		case tele_api.EventError:
			log.Errorf("device=%s remote error=%d params=%s", name, ev.Code, ev.Params)
		default:
			log.Debugf("device=%s update params=%s", name, ev.Params)
		}
	})
	defer cancelEvents()

	sdnotify(daemon.SdNotifyReady)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch
	log.Infof("signal=%v stopping", sig)

	sdnotify(daemon.SdNotifyStopping)
	t.Close()
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdnotify: %v\n", err)
		os.Exit(1)
	}
	return ok
}
