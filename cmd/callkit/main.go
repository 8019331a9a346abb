package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/pion/mediadevices"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"duet/callkit/internal/call"
	"duet/callkit/internal/config"
	"duet/callkit/internal/domain"
	"duet/callkit/internal/media"
	sigchan "duet/callkit/internal/signal"
	"duet/callkit/internal/webrtc"
)

const helpText = `callkit - peer-to-peer audio/video call client

Commands are read from stdin:
  dial        start an audio call to the configured peer
  dialv       start a video call to the configured peer
  accept      accept the ringing incoming call
  reject      reject the ringing incoming call
  hangup      end the active call
  mute        toggle microphone transmission
  video       toggle camera transmission
  quit        exit

Environment Variables:
  CALL_IDENTITY       local identity (required)
  CALL_PEER           the other participant's identity (required)
  CALL_RELAY_URL      WebSocket signal relay URL
  CALL_REDIS_ADDR     Redis signal relay address (used when set)
  CALL_REDIS_PASSWORD Redis password
  CALL_REDIS_DB       Redis database number
  CALL_STUN_SERVERS   comma-separated STUN URLs
  CALL_SETUP_TIMEOUT  call setup timeout in seconds (default 45)
  CALL_LOG_LEVEL      trace|debug|info|warn|error (default info)

Options:
  -h, --help  Show this help message
`

// cliEvents logs call lifecycle events for the terminal user.
type cliEvents struct{}

func (cliEvents) OnIncomingCall(from, roomID string, isVideo bool) {
	kind := "audio"
	if isVideo {
		kind = "video"
	}
	log.Info().Str("from", from).Str("room", roomID).Str("kind", kind).
		Msg("incoming call - type 'accept' or 'reject'")
}

func (cliEvents) OnConnected() {
	log.Info().Msg("call connected")
}

func (cliEvents) OnEnded(reason domain.EndReason) {
	log.Info().Str("reason", string(reason)).Msg("call ended")
}

func (cliEvents) OnDurationTick(seconds int) {
	if seconds%30 == 0 {
		log.Info().Int("seconds", seconds).Msg("call duration")
	}
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel, err := newChannel(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect signal relay")
	}

	src, err := media.NewSource()
	if err != nil {
		log.Fatal().Err(err).Msg("media source")
	}

	newPeer := func(h domain.MediaHandle) (domain.PeerSession, error) {
		var tracks []mediadevices.Track
		if mh, ok := h.(*media.Handle); ok {
			tracks = mh.Tracks()
		}
		return webrtc.NewPeer(cfg.STUNServers, tracks, src.CodecSelector())
	}

	orch, err := call.New(call.Config{
		Identity:     cfg.Identity,
		PeerIdentity: cfg.PeerIdentity,
		Channel:      channel,
		Media:        src,
		NewPeer:      newPeer,
		Events:       cliEvents{},
		SetupTimeout: cfg.SetupTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("orchestrator")
	}

	log.Info().Str("identity", cfg.Identity).Str("peer", cfg.PeerIdentity).
		Msg("ready - type 'dial' or 'dialv' to call")

	go readCommands(orch, cancel)

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	orch.Close()
	channel.Close()
}

func newChannel(ctx context.Context, cfg *config.Config) (domain.SignalChannel, error) {
	if cfg.RedisAddr != "" {
		return sigchan.NewRedisChannel(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Identity)
	}
	c := sigchan.NewClient(cfg.RelayURL, cfg.Identity)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func readCommands(orch *call.Orchestrator, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "dial":
			orch.Dial(false)
		case "dialv":
			orch.Dial(true)
		case "accept":
			orch.Accept()
		case "reject":
			orch.Reject()
		case "hangup":
			orch.Hangup()
		case "mute":
			orch.ToggleAudio()
		case "video":
			orch.ToggleVideo()
		case "quit":
			quit()
			return
		case "":
		default:
			log.Warn().Msg("unknown command (dial|dialv|accept|reject|hangup|mute|video|quit)")
		}
	}
}
