package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"

	"duocall/core/internal/api"
	"duocall/core/internal/config"
	"duocall/core/internal/domain"
	"duocall/core/internal/events"
	"duocall/core/internal/logging"
	"duocall/core/internal/loop"
	"duocall/core/internal/media/device"
	"duocall/core/internal/session"
	sigclient "duocall/core/internal/signal"
	"duocall/core/internal/webrtc"
)

const helpText = `duocall - Two-party WebRTC audio/video calls over a WebSocket relay

Usage:
  duocall [options]

Commands are read from stdin, one per line:
  call <user-id> [name]   Invite a user into a new call
  accept                  Accept the ringing call
  decline                 Decline the ringing call
  hangup                  Leave the current call
  camera                  Toggle the camera
  screen                  Toggle screen sharing
  mic on|off              Open or close the microphone
  status                  Print the call state
  quit                    Hang up and exit

Environment Variables (required):
  DUOCALL_SIGNAL_URL  WebSocket URL of the relay
  DUOCALL_USER_ID     Your user id on the relay

Environment Variables (optional):
  DUOCALL_DISPLAY_NAME  Name shown to the callee (default: user id)
  DUOCALL_TOKEN         Bearer token for the relay and the REST API
  DUOCALL_API_URL       REST API for ICE servers and call notifications
  DUOCALL_LOG_LEVEL     debug, info, warn or error (default: info)

Options:
  -h, --help  Show this help message
`

const iceCacheTTL = 10 * time.Minute

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "duocall: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "duocall: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.Named("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Step 1: REST collaborators (optional)
	var (
		fetcher  api.ICEFetcher
		notifier domain.CallNotifier
	)
	if cfg.APIURL != "" {
		apiClient := api.NewClient(cfg.APIURL, cfg.Token, cfg.Timings.NotifyTimeout, log)
		fetcher, notifier = apiClient, apiClient
	}
	iceConfig := api.NewICEConfigProvider(fetcher, iceCacheTTL, log)
	warmCtx, warmCancel := context.WithTimeout(ctx, 10*time.Second)
	iceConfig.GetICEServers(warmCtx)
	warmCancel()

	// Step 2: Capture devices and the codecs they produce
	capturer, err := device.NewCapturer(log)
	if err != nil {
		log.Fatal("set up capture", zap.Error(err))
	}

	// Step 3: Peer connection factory
	factory, err := webrtc.NewFactory(iceConfig, capturer.RegisterCodecs, logging.NewPionFactory(log), log)
	if err != nil {
		log.Fatal("set up webrtc", zap.Error(err))
	}

	// Step 4: Event loop and bus
	l := loop.New(log)
	go l.Run(ctx)
	bus := events.NewBus(log)
	defer bus.Close()

	// Step 5: Session (implements domain.Handler)
	s := session.New(session.Options{
		Self:        cfg.UserID,
		DisplayName: cfg.DisplayName,
		Notifier:    notifier,
		Factory:     factory,
		Capturer:    capturer,
		Timings:     cfg.Timings,
	}, l, bus, log)
	s.Subscribe(report)

	// Step 6: Relay client with the session as handler, then close the cycle
	sc := sigclient.NewClient(cfg.SignalURL, cfg.Token, s, log)
	s.SetSignaler(sc)

	// Step 7: Connect to the relay
	if err := sc.Connect(); err != nil {
		log.Fatal("signal connect", zap.Error(err))
	}
	log.Info("ready", zap.String("user", cfg.UserID))

	go readCommands(ctx, s, cancel, log)

	<-ctx.Done()
	s.Close()
	sc.Close()
	log.Info("done")
}

func readCommands(ctx context.Context, s *session.Session, quit context.CancelFunc, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := run(ctx, s, fields); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			log.Warn("command failed", zap.String("command", fields[0]), zap.Error(err))
		}
	}
	quit()
}

var errQuit = errors.New("quit")

func run(ctx context.Context, s *session.Session, fields []string) error {
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			return errors.New("usage: call <user-id> [name]")
		}
		name := strings.Join(fields[2:], " ")
		_, err := s.StartCall(ctx, fields[1], name)
		return err
	case "accept":
		return s.Accept(ctx)
	case "decline":
		return s.Decline()
	case "hangup":
		return s.Hangup()
	case "camera":
		_, err := s.Media().ToggleCamera(ctx)
		return err
	case "screen":
		_, err := s.Media().ToggleScreenShare(ctx)
		return err
	case "mic":
		if len(fields) > 1 && fields[1] == "off" {
			s.Media().StopMicrophone()
			return nil
		}
		_, err := s.Media().StartMicrophone(ctx)
		return err
	case "status":
		c := s.Call()
		fmt.Printf("phase=%s room=%s peer=%s video=%s\n", c.Phase, c.RoomID, c.OtherPartyID, s.Media().VideoKind())
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func report(e events.Event) {
	switch ev := e.(type) {
	case events.CallStateChanged:
		if ev.Session.Reason != "" {
			fmt.Printf("call %s (%s) with %s\n", ev.Session.Phase, ev.Session.Reason, ev.Session.OtherPartyID)
			return
		}
		fmt.Printf("call %s with %s\n", ev.Session.Phase, ev.Session.OtherPartyID)
	case events.PeerConnectionStateChanged:
		fmt.Printf("peer %s: %s\n", ev.PeerID, ev.State)
	case events.VideoKindChanged:
		fmt.Printf("local video: %s\n", ev.Kind)
	case events.RemoteStreamChanged:
		fmt.Printf("peer %s: %d remote tracks\n", ev.PeerID, len(ev.Stream.Tracks))
	}
}
