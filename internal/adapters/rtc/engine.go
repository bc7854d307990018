package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	ListenIP      string
	AnnouncedIP   string
	MinPort       uint16
	MaxPort       uint16
	EnableUDP     bool
	EnableTCP     bool
	ICEServers    []string
	GatherTimeout time.Duration
	Codecs        []RouterCodec
	LoggerFactory logging.LoggerFactory
}

// Engine is a single-router media engine built on pion's ORTC objects.
// Transports gather ICE candidates and expose DTLS fingerprints; producers and
// consumers are bookkeeping over the negotiated RTP parameters.
type Engine struct {
	cfg  Config
	api  *webrtc.API
	caps domain.RouterCapabilities
	log  logging.LeveledLogger
	ssrc randutil.MathRandomGenerator

	mu         sync.RWMutex
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = DefaultCodecs()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	me := &webrtc.MediaEngine{}
	for _, c := range cfg.Codecs {
		params := webrtc.RTPCodecParameters{RTPCodecCapability: c.Capability, PayloadType: c.PayloadType}
		if err := me.RegisterCodec(params, c.codecType()); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.Capability.MimeType, err)
		}
	}
	se, err := settingEngine(cfg)
	if err != nil {
		return nil, err
	}
	caps, err := routerCapabilities(cfg.Codecs)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		caps:       caps,
		log:        cfg.LoggerFactory.NewLogger("engine"),
		ssrc:       randutil.NewMathRandomGenerator(),
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
		consumers:  make(map[domain.ConsumerID]*consumer),
		done:       make(chan struct{}),
	}
	e.log.Infof("router ready with %d codecs, ports %d-%d", len(cfg.Codecs), cfg.MinPort, cfg.MaxPort)
	return e, nil
}

func settingEngine(cfg Config) (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{LoggerFactory: cfg.LoggerFactory}
	if cfg.MinPort != 0 || cfg.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return se, fmt.Errorf("rtc port range: %w", err)
		}
	}

	var types []webrtc.NetworkType
	if cfg.EnableUDP {
		types = append(types, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}
	if cfg.EnableTCP {
		types = append(types, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
	}
	if len(types) == 0 {
		return se, errors.New("rtc: neither udp nor tcp is enabled")
	}
	se.SetNetworkTypes(types)

	if ip := net.ParseIP(cfg.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	se.SetLite(true)
	return se, nil
}

func (e *Engine) RouterCapabilities(context.Context) (domain.RouterCapabilities, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	return e.caps, nil
}

func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

func (e *Engine) alive() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Fail marks the engine permanently unusable.
func (e *Engine) Fail(err error) {
	e.doneOnce.Do(func() {
		if err == nil {
			err = domain.ErrEngineClosed
		}
		e.err = err
		close(e.done)
		e.log.Errorf("media engine stopped: %v", err)
	})
}

// Close stops every transport and fails the engine with ErrEngineClosed.
func (e *Engine) Close() error {
	e.Fail(domain.ErrEngineClosed)

	e.mu.Lock()
	transports := e.transports
	e.transports = make(map[domain.TransportID]*transport)
	e.producers = make(map[domain.ProducerID]*producer)
	e.consumers = make(map[domain.ConsumerID]*consumer)
	e.mu.Unlock()

	var errs []error
	for _, t := range transports {
		errs = append(errs, t.stop())
	}
	return errors.Join(errs...)
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	if len(e.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}
}
