package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/gateway"
	"github.com/cordwire/cordwire/voice"
	"github.com/cordwire/cordwire/voice/opus"
)

func voiceCmd(cfg *config) *cobra.Command {
	var (
		guild   = os.Getenv("VOICE_GUILD_ID")
		channel = os.Getenv("VOICE_CHANNEL_ID")
		file    string
		format  string
		bitrate int
		recv    bool
	)

	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Join a voice channel and play a file",
		Long: `Join a voice channel and play a file.

The file is either a stream of little-endian int16 length-prefixed Opus
packets (--format opus) or raw 48kHz stereo s16le PCM (--format pcm). PCM
needs a cgo build for the libopus encoder.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			guildID, err := discord.ParseGuildID(guild)
			if err != nil {
				return errors.Wrap(err, "invalid guild ID")
			}
			channelID, err := discord.ParseChannelID(channel)
			if err != nil {
				return errors.Wrap(err, "invalid channel ID")
			}

			src, closeSrc, err := openSource(file, format, bitrate)
			if err != nil {
				return err
			}
			defer closeSrc()

			newConn, err := newConnection(cfg.Driver)
			if err != nil {
				return err
			}

			m := startMetrics(cfg.MetricsAddr)

			gopts := gateway.DefaultOptions()
			gopts.NewConnection = newConn
			gopts.Metrics = m

			g, err := gateway.New(ctx, cfg.Token, gopts)
			if err != nil {
				return errors.Wrap(err, "failed to create gateway")
			}
			defer g.Close()

			ready := g.Handlers().Expect(gateway.ReadyEventName, nil)

			gatewayErr := make(chan error, 1)
			go func() { gatewayErr <- g.Connect(ctx) }()

			if _, err := ready(ctx); err != nil {
				return errors.Wrap(err, "gateway never became ready")
			}

			vopts := voice.DefaultOptions()
			vopts.Metrics = m
			vopts.Gateway.NewConnection = newConn

			v := voice.NewConnection(g, guildID, vopts)
			if err := v.Connect(ctx, channelID, false, false); err != nil {
				return errors.Wrap(err, "failed to join voice")
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if err := v.Disconnect(ctx); err != nil {
					logrus.WithError(err).Warn("failed to leave voice")
				}
			}()

			logrus.WithField("channel", channelID).Info("joined voice")

			if recv {
				go receive(ctx, v)
			}

			playErr := make(chan error, 1)
			go func() { playErr <- v.Play(ctx, src) }()

			select {
			case err := <-playErr:
				if err != nil && ctx.Err() == nil {
					return errors.Wrap(err, "playback failed")
				}
				logrus.Info("playback finished")
				return nil
			case err := <-gatewayErr:
				v.Stop()
				return errors.Wrap(err, "gateway closed")
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&guild, "guild", guild, "guild ID")
	flags.StringVar(&channel, "channel", channel, "voice channel ID")
	flags.StringVarP(&file, "file", "f", "", "file to play, - for stdin")
	flags.StringVar(&format, "format", "opus", "file format: opus or pcm")
	flags.IntVar(&bitrate, "bitrate", 0, "Opus bitrate for PCM input, 0 for the default")
	flags.BoolVar(&recv, "recv", false, "decode and log incoming voice")

	cmd.MarkFlagRequired("file")

	return cmd
}

func openSource(path, format string, bitrate int) (opus.FrameReader, func(), error) {
	var r io.ReadCloser = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open file")
		}
		r = f
	}

	closeFn := func() { r.Close() }

	switch format {
	case "opus":
		return opus.NewPacketReader(r), closeFn, nil
	case "pcm":
		enc, err := opus.NewEncoder(opus.Audio, bitrate)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		return opus.NewPCMReader(r, enc), closeFn, nil
	default:
		closeFn()
		return nil, nil, errors.Errorf("unknown format %q", format)
	}
}

// receive decodes incoming voice and logs a line per speaker every few
// seconds.
func receive(ctx context.Context, v *voice.Connection) {
	dec, err := opus.NewDecoder()
	if err != nil {
		logrus.WithError(err).Error("failed to create decoder")
		return
	}

	samples := make(map[uint32]int)
	last := time.Now()

	for ctx.Err() == nil && v.Stage() != voice.Disconnected {
		p, err := v.ReadPacket()
		if err != nil {
			// The socket is replaced on reconnects.
			logrus.WithError(err).Debug("voice read failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		pcm, err := dec.Decode(p.Opus)
		if err != nil {
			logrus.WithError(err).Debug("undecodable voice packet")
			continue
		}
		samples[p.Header.SSRC] += len(pcm) / opus.Channels

		if time.Since(last) > 5*time.Second {
			for ssrc, n := range samples {
				logrus.WithFields(logrus.Fields{
					"ssrc":    ssrc,
					"seconds": float64(n) / opus.SampleRate,
				}).Info("received voice")
			}
			samples = make(map[uint32]int)
			last = time.Now()
		}
	}
}
