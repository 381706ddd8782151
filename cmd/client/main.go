package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/circlechat/internal/adapters/channel"
	"github.com/dkeye/circlechat/internal/adapters/rest"
	"github.com/dkeye/circlechat/internal/adapters/rtc"
	"github.com/dkeye/circlechat/internal/app"
	"github.com/dkeye/circlechat/internal/app/call"
	"github.com/dkeye/circlechat/internal/app/chat"
	"github.com/dkeye/circlechat/internal/auth"
	"github.com/dkeye/circlechat/internal/config"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/media"
	"github.com/dkeye/circlechat/internal/observe"
	"github.com/dkeye/circlechat/internal/wire"
)

const (
	endTimeout  = 5 * time.Second
	rosterEvery = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("circlechat-client", pflag.ExitOnError)
	flags.String("server", "", "signaling WebSocket prefix")
	flags.String("api", "", "REST API base URL")
	flags.String("token", "", "bearer token")
	flags.String("user", "", "user id for an unsigned development token")
	flags.String("name", "", "display name")
	flags.String("group", "", "group to join")
	flags.String("call-type", "", "audio or video")
	flags.Bool("answer", true, "accept incoming calls")
	flags.Bool("start", false, "start a call instead of waiting for one")
	flags.String("say", "", "chat message to send once connected")
	flags.String("log-level", "", "log level")
	_ = flags.Parse(os.Args[1:])

	v := config.New()
	for key, name := range map[string]string{
		"client.server_url":   "server",
		"client.api_url":      "api",
		"client.token":        "token",
		"client.user_id":      "user",
		"client.display_name": "name",
		"client.group_id":     "group",
		"client.call_type":    "call-type",
		"client.answer":       "answer",
		"log_level":           "log-level",
	} {
		f := flags.Lookup(name)
		if !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			log.Fatal().Err(err).Str("flag", name).Msg("bind flag")
		}
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	cc := cfg.Client

	group := domain.GroupID(cc.GroupID)
	if group == "" {
		log.Fatal().Msg("group is required")
	}
	callType, err := domain.ParseCallType(cc.CallType)
	if err != nil {
		log.Fatal().Err(err).Msg("call type")
	}

	token, self, err := identity(cc)
	if err != nil {
		log.Fatal().Err(err).Msg("identity")
	}
	log.Info().Str("user", string(self.ID)).Str("name", self.DisplayName).Str("group", string(group)).Msg("client identity")

	shutdownMetrics, err := observe.InitProvider()
	if err != nil {
		log.Warn().Err(err).Msg("metrics provider")
		shutdownMetrics = func(context.Context) error { return nil }
	}
	metrics := observe.DefaultMetrics()

	tokens := auth.StaticToken(token)
	ch := channel.New(channel.Options{
		BaseURL:     cc.ServerURL,
		Token:       tokens,
		MaxAttempts: cc.ReconnectAttempts,
		BaseDelay:   cc.ReconnectBase,
		Metrics:     metrics,
	})
	api := rest.New(cc.APIURL, tokens)
	loop := app.NewLoop()

	ctrl := call.NewController(call.Options{
		Self:      self,
		Transport: ch,
		Devices: &media.VirtualDevices{
			Microphone: true,
			Camera:     true,
			Pump:       true,
		},
		Factory:      rtc.Factory(rtc.ConfigWithServers(cc.ICEServers)),
		Profiles:     api,
		Loop:         loop,
		Stagger:      cc.OfferStagger,
		OfferTimeout: cc.OfferTimeout,
		Metrics:      metrics,
	})
	defer ctrl.Close()

	messenger := chat.NewMessenger(self, group, ch, api)
	defer messenger.Close()
	messenger.OnMessage(func(m wire.Chat) {
		log.Info().Str("from", m.Username).Str("user", string(m.UserID)).Str("content", m.Content).Msg("chat")
	})

	start, _ := flags.GetBool("start")
	say, _ := flags.GetString("say")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return run(gctx, runParams{
			ctrl:      ctrl,
			ch:        ch,
			messenger: messenger,
			group:     group,
			callType:  callType,
			start:     start,
			answer:    cc.Answer,
			say:       say,
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("client error")
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), endTimeout)
	defer endCancel()
	ch.Disconnect()
	if err := shutdownMetrics(endCtx); err != nil {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
	log.Info().Msg("Client exited")
}

type runParams struct {
	ctrl      *call.Controller
	ch        *channel.Channel
	messenger *chat.Messenger
	group     domain.GroupID
	callType  domain.CallType
	start     bool
	answer    bool
	say       string
}

func run(ctx context.Context, p runParams) error {
	if p.answer {
		p.ctrl.OnIncoming(func(caller call.Caller) {
			if caller.GroupID != p.group {
				return
			}
			// Ring handlers must not block the channel.
			go func() {
				log.Info().Str("caller", string(caller.UserID)).Str("name", caller.Name).Msg("accepting call")
				if err := p.ctrl.AcceptIncoming(ctx, caller); err != nil && !errors.Is(err, call.ErrAlreadyInCall) {
					log.Error().Err(err).Msg("accept call")
				}
			}()
		})
	}

	if p.start {
		if err := p.ctrl.Start(ctx, p.group, p.callType); err != nil {
			return err
		}
	} else {
		p.ch.Connect(ctx, p.group)
		if err := p.ch.WaitOpen(ctx); err != nil {
			return err
		}
	}

	if hist, err := p.messenger.History(ctx, 20, 0); err == nil {
		for _, m := range hist {
			log.Info().Str("from", m.Username).Str("content", m.Content).Msg("history")
		}
	}
	if p.say != "" {
		if err := p.messenger.Send(p.say); err != nil {
			log.Warn().Err(err).Msg("chat send")
		}
	}

	t := time.NewTicker(rosterEvery)
	defer t.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-t.C:
			logRoster(p.ctrl)
		}
	}
	if p.ctrl.State() != call.StateIdle {
		endCtx, cancel := context.WithTimeout(context.Background(), endTimeout)
		defer cancel()
		if err := p.ctrl.End(endCtx); err != nil {
			log.Warn().Err(err).Msg("end call")
		}
	}
	return ctx.Err()
}

func logRoster(ctrl *call.Controller) {
	if ctrl.State() != call.StateActive {
		return
	}
	for _, p := range ctrl.Participants() {
		ev := log.Info().Str("module", "client").Str("user", string(p.ID)).Str("name", p.DisplayName).Bool("muted", p.Muted)
		if sig, conn, ok := ctrl.PeerState(p.ID); ok {
			ev = ev.Str("signaling", sig.String()).Str("connection", conn.String())
		}
		ev.Msg("participant")
	}
}

// identity returns the bearer token and the user it speaks for. Without a
// token an unsigned development token is minted.
func identity(cc config.ClientConfig) (string, *domain.User, error) {
	if cc.Token != "" {
		u, ok := auth.UserFromToken(cc.Token)
		if !ok {
			return "", nil, auth.ErrMalformedToken
		}
		if cc.DisplayName != "" {
			if err := u.SetDisplayName(cc.DisplayName); err != nil {
				return "", nil, err
			}
		}
		return cc.Token, u, nil
	}
	id := cc.UserID
	if id == "" {
		id = "guest-" + uuid.NewString()[:8]
	}
	u, err := domain.NewUser(domain.UserID(id), cc.DisplayName)
	if err != nil {
		return "", nil, err
	}
	tok, err := auth.EncodeUnsigned(auth.Claims{Sub: id, Username: u.DisplayName})
	if err != nil {
		return "", nil, err
	}
	return tok, u, nil
}
