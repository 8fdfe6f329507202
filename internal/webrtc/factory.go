package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/domain"
)

// ConfigSource yields the ICE configuration for each new connection.
type ConfigSource interface {
	Configuration(ctx context.Context) pion.Configuration
}

// CodecRegistrar fills the media engine, for example a mediadevices codec
// selector's Populate.
type CodecRegistrar func(m *pion.MediaEngine) error

// Factory creates pion peer connections sharing one API instance.
type Factory struct {
	api    *pion.API
	config ConfigSource
	log    *zap.Logger
}

// NewFactory builds the media engine and interceptor chain once. A nil
// registrar registers pion's default codecs.
func NewFactory(config ConfigSource, registrar CodecRegistrar, loggerFactory logging.LoggerFactory, log *zap.Logger) (*Factory, error) {
	m := &pion.MediaEngine{}
	if registrar == nil {
		registrar = func(m *pion.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := registrar(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	s := pion.SettingEngine{}
	if loggerFactory != nil {
		s.LoggerFactory = loggerFactory
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	)

	return &Factory{
		api:    api,
		config: config,
		log:    log.Named("webrtc"),
	}, nil
}

// NewConnection creates a peer connection for peerID and wires ev.
func (f *Factory) NewConnection(peerID string, ev domain.ConnectionEvents) (domain.Connection, error) {
	pc, err := f.api.NewPeerConnection(f.config.Configuration(context.Background()))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newConn(pc, peerID, ev, f.log.With(zap.String("peer", peerID))), nil
}
