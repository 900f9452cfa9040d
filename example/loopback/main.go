package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/LingByte/LingHuddle/pkg/huddle"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/LingByte/LingHuddle/pkg/media/devices"
	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/store/memory"
	"github.com/LingByte/LingHuddle/pkg/webrtc/rtcmedia"
	"go.uber.org/zap"
)

// Two participants in one process, joined over an in-memory store and
// exchanging sine tones over real peer connections.
func main() {
	workItem := flag.String("work-item", "loopback", "work item id")
	wait := flag.Duration("wait", 15*time.Second, "how long to wait for the mesh")
	flag.Parse()

	logger.Init(&logger.LogConfig{
		Level:      "debug",
		Filename:   "log/loopback.log",
		MaxSize:    5,
		MaxAge:     1,
		MaxBackups: 1,
	}, "dev")
	defer logger.Sync()

	sessions, relay := memory.NewSessions(), memory.NewRelay()
	alice, err := newParticipant("alice", 440, sessions, relay)
	if err != nil {
		logger.Fatal("alice", zap.Error(err))
	}
	bob, err := newParticipant("bob", 660, sessions, relay)
	if err != nil {
		logger.Fatal("bob", zap.Error(err))
	}

	ctx := context.Background()
	for _, c := range []*huddle.Controller{alice, bob} {
		if err := c.StartOrJoinCall(ctx, *workItem); err != nil {
			logger.Fatal("join failed", zap.Error(err))
		}
	}

	code := 0
	if err := awaitMesh(alice, *wait); err != nil {
		logger.Error("mesh did not form", zap.Error(err))
		code = 1
	} else {
		for _, c := range []*huddle.Controller{alice, bob} {
			s := c.State()
			fmt.Printf("%s local=%s remote=%v peers=%v\n", s.ActiveCall.WorkItemID, s.LocalStreamID(), s.RemoteStreamIDs(), s.Peers)
		}
	}

	leaveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, c := range []*huddle.Controller{alice, bob} {
		if err := c.Close(leaveCtx); err != nil {
			logger.Warn("leave failed", zap.Error(err))
		}
	}
	os.Exit(code)
}

func newParticipant(id string, tone float64, sessions *memory.Sessions, relay *memory.Relay) (*huddle.Controller, error) {
	log := logger.Named(id)
	capture, err := media.NewCaptureManager(media.CaptureConfig{
		Device:     media.NewToneDevice(tone),
		NewEncoder: devices.NewOpusEncoder,
		Format:     media.DefaultFormat(),
		Logger:     log.Named("capture"),
	})
	if err != nil {
		return nil, err
	}
	factory, err := rtcmedia.NewFactory(rtcmedia.WebRTCOption{ICETimeout: 10 * time.Second}, log.Named("rtc"))
	if err != nil {
		return nil, err
	}
	return huddle.NewController(huddle.Options{
		Identity: models.Identity{ID: id, Name: id},
		Sessions: sessions,
		Relay:    relay,
		Capture:  capture,
		Peers:    factory,
		Logger:   log,
	})
}

func awaitMesh(c *huddle.Controller, wait time.Duration) error {
	states, cancel := c.Subscribe()
	defer cancel()
	timeout := time.After(wait)
	for {
		select {
		case s, ok := <-states:
			if !ok {
				return fmt.Errorf("controller closed")
			}
			if len(s.RemoteStreams) > 0 {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("no remote stream after %s", wait)
		}
	}
}
