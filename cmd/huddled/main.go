package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/LingByte/LingHuddle/cmd/bootstrap"
	"github.com/LingByte/LingHuddle/pkg/api"
	"github.com/LingByte/LingHuddle/pkg/config"
	"github.com/LingByte/LingHuddle/pkg/huddle"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/LingByte/LingHuddle/pkg/media/devices"
	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/webrtc/rtcmedia"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 1. Parse Command Line Parameters
	addr := flag.String("addr", "", "HTTP control address")
	mode := flag.String("mode", "", "running environment (development, test, production)")
	join := flag.String("join", "", "work item to join on start")
	flag.Parse()
	if *mode != "" {
		os.Setenv("MODE", *mode)
	}

	// 2. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	cfg := config.GlobalConfig

	// 3. Load Log Configuration
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	// 4. Print Banner
	if err := bootstrap.PrintBannerFromFile("banner.txt", ""); err != nil {
		log.Fatalf("unload banner: %v", err)
	}
	bootstrap.LogConfigInfo(cfg)

	// 5. Shared document store
	stores, err := bootstrap.SetupStore(context.Background(), cfg.Store)
	if err != nil {
		logger.Error("store setup failed", zap.Error(err))
		return
	}
	defer stores.Close()

	// 6. Media
	format := media.Format{
		SampleRate:    cfg.Capture.SampleRate,
		Channels:      1,
		FrameDuration: time.Duration(cfg.Capture.FrameMs) * time.Millisecond,
	}
	capture, err := media.NewCaptureManager(media.CaptureConfig{
		Device:     devices.NewMicrophone(logger.Named("microphone")),
		NewEncoder: devices.NewOpusEncoder,
		Format:     format,
		Logger:     logger.Named("capture"),
	})
	if err != nil {
		logger.Error("capture setup failed", zap.Error(err))
		return
	}

	factory, err := rtcmedia.NewFactory(rtcmedia.WebRTCOption{
		ICEServers: cfg.Call.ICEServers,
		ICETimeout: cfg.Call.ICETimeout,
	}, logger.Named("rtc"))
	if err != nil {
		logger.Error("webrtc setup failed", zap.Error(err))
		return
	}

	// 7. Call controller
	ctl, err := huddle.NewController(huddle.Options{
		Identity:           models.Identity{ID: cfg.User.ID, Name: cfg.User.Name, AvatarRef: cfg.User.Avatar},
		Sessions:           stores.Sessions,
		Relay:              stores.Relay,
		Capture:            capture,
		Peers:              factory,
		SignalTimeout:      cfg.Call.SignalTimeout,
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
		Logger:             logger.Named("huddle"),
	})
	if err != nil {
		logger.Error("controller setup failed", zap.Error(err))
		return
	}

	if cfg.Capture.Playback {
		stop, err := startPlayback(ctl, format)
		if err != nil {
			logger.Warn("playback disabled", zap.Error(err))
		} else {
			defer stop()
		}
	}

	// 8. HTTP control surface
	if *addr == "" {
		*addr = cfg.Addr
	}
	if !strings.HasPrefix(*addr, ":") && !strings.Contains(*addr, ":") {
		*addr = ":" + *addr
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	api.NewHandlers(ctl, logger.Named("api")).Register(r)

	httpServer := &http.Server{
		Addr:           *addr,
		Handler:        r,
		ReadTimeout:    30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server run failed", zap.Error(err))
		}
	}()

	if *join != "" {
		if err := ctl.StartOrJoinCall(context.Background(), *join); err != nil {
			logger.Error("join on start failed", zap.String("work_item", *join), zap.Error(err))
		}
	}

	// 9. Termination hook: leave with a deadline before exit
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Call.LeaveTimeout)
	defer cancel()
	if err := ctl.Close(ctx); err != nil {
		logger.Warn("leave on shutdown failed", zap.Error(err))
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

// startPlayback mixes every remote stream into the default speaker.
func startPlayback(ctl *huddle.Controller, format media.Format) (func(), error) {
	speaker, err := devices.NewSpeaker(format, logger.Named("speaker"))
	if err != nil {
		return nil, err
	}
	states, cancel := ctl.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range states {
			sources := make(map[string]media.PacketSource, len(s.RemoteStreams))
			for id, rs := range s.RemoteStreams {
				if src, ok := rs.(media.PacketSource); ok {
					sources[id] = src
				}
			}
			speaker.Sync(sources)
		}
	}()
	return func() {
		cancel()
		<-done
		_ = speaker.Close()
	}, nil
}
