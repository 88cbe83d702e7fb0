// Package tele wires the control channel: auth session, stream lifecycle,
// command dispatch and event fan-out behind the public Teler interface.
package tele

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/cloudtele/cloudtele/log2"
	tele_api "github.com/cloudtele/cloudtele/tele"
	tele_cloud "github.com/cloudtele/cloudtele/tele/cloud"
	tele_config "github.com/cloudtele/cloudtele/tele/config"
)

type teler struct {
	log     *log2.Log
	alive   *alive.Alive
	m       *manager
	enabled bool
}

func New() tele_api.Teler { return &teler{} }

func (self *teler) Init(ctx context.Context, log *log2.Log, cfg tele_config.Config) error {
	self.log = log
	if cfg.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	if !cfg.Enabled {
		self.log.Infof("tele disabled")
		return nil
	}

	apiURL, streamURL, err := tele_cloud.Endpoints(cfg)
	if err != nil {
		return errors.Annotate(err, "tele init")
	}
	creds, err := tele_cloud.CredentialsFromConfig(cfg)
	if err != nil {
		return errors.Annotate(err, "tele init")
	}

	api := tele_cloud.NewAPI(apiURL, cfg.NetworkTimeout(), self.log)
	str := cloudStreamer{s: tele_cloud.NewStream(self.log, cfg.NetworkTimeout())}

	self.alive = alive.NewAlive()
	self.m = newManager(self.alive, self.log, cfg, api, str, creds, apiURL, streamURL)
	self.enabled = true
	self.alive.Add(1)
	go self.m.Run()
	return nil
}

func (self *teler) Submit(deviceID string, params []byte) (*tele_api.CommandHandle, error) {
	if !self.enabled {
		return nil, errors.New("tele disabled")
	}
	return self.m.disp.Submit(deviceID, params)
}

func (self *teler) Control(ctx context.Context, deviceID string, params []byte) error {
	if !self.enabled {
		return errors.New("tele disabled")
	}
	return self.m.Control(ctx, deviceID, params)
}

func (self *teler) Subscribe(deviceID string, fn tele_api.EventFunc) func() {
	if !self.enabled {
		return func() {}
	}
	return self.m.reg.Subscribe(deviceID, fn)
}

func (self *teler) OnStateChange(fn tele_api.StateFunc) func() {
	if !self.enabled {
		return func() {}
	}
	return self.m.OnStateChange(fn)
}

func (self *teler) State() tele_api.State {
	if !self.enabled {
		return tele_api.StateDisconnected
	}
	return self.m.State()
}

func (self *teler) Devices(ctx context.Context) ([]tele_api.Device, error) {
	if !self.enabled {
		return nil, nil
	}
	return self.m.Devices(ctx)
}

func (self *teler) Close() {
	if !self.enabled {
		return
	}
	self.alive.Stop()
	self.alive.Wait()
}

// cloudStreamer adapts the concrete websocket transport to the Streamer
// capability so tests can substitute doubles.
type cloudStreamer struct{ s *tele_cloud.Stream }

func (cs cloudStreamer) Open(ctx context.Context, sess tele_api.Session, token string) (StreamConn, error) {
	c, err := cs.s.Open(ctx, sess, token)
	if err != nil {
		return nil, err
	}
	return c, nil
}
