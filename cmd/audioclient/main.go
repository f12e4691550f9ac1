package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/config"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/healthrpc"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/observability"
)

var logger zerolog.Logger

var rootCmd = &cobra.Command{
	Use:   "audioclient",
	Short: "Development client for the transcription gateway",
	Long:  `Streams WAV files to the transcription gateway, generates test audio and probes the gRPC health service.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		zerolog.SetGlobalLevel(observability.ParseLevel(level))
		logger = observability.NewLogger(os.Stderr, true)
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream a WAV file and print transcription results",
	RunE:  runStreamCmd,
}

var toneCmd = &cobra.Command{
	Use:   "tone",
	Short: "Write a sine tone as a 16-bit mono WAV file",
	RunE:  runToneCmd,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the gateway's gRPC health service",
	RunE:  runHealthCmd,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	streamCmd.Flags().String("url", config.GetEnv("TRANSCRIPTION_STREAM_URL", "ws://localhost:8080/api/transcription/stream"), "Websocket endpoint")
	streamCmd.Flags().String("file", "", "WAV file to stream (16-bit PCM)")
	streamCmd.Flags().String("language", "vi-VN", "Language code")
	streamCmd.Flags().Int("sample-rate", 16000, "Sample rate to stream at")
	streamCmd.Flags().Int("chunk-ms", 100, "Audio per message in milliseconds")
	streamCmd.Flags().Bool("realtime", false, "Pace chunks at playback speed")
	streamCmd.Flags().Bool("mulaw", false, "Send G.711 μ-law instead of PCM")
	streamCmd.Flags().Bool("no-partials", false, "Disable partial results")
	streamCmd.Flags().Bool("trim-silence", false, "Drop leading and trailing silence before streaming")
	_ = streamCmd.MarkFlagRequired("file")

	toneCmd.Flags().String("out", "tone.wav", "Output file")
	toneCmd.Flags().Float64("freq", 440, "Tone frequency in Hz")
	toneCmd.Flags().Duration("duration", 2*time.Second, "Tone length")
	toneCmd.Flags().Int("sample-rate", 16000, "Sample rate")

	healthCmd.Flags().String("addr", "localhost:9090", "gRPC health address")
	healthCmd.Flags().String("service", "", "Service name, empty for overall status")
	healthCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")

	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(toneCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStreamCmd(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	opts := streamOptions{}
	opts.URL, _ = flags.GetString("url")
	opts.File, _ = flags.GetString("file")
	opts.Language, _ = flags.GetString("language")
	opts.SampleRate, _ = flags.GetInt("sample-rate")
	chunkMs, _ := flags.GetInt("chunk-ms")
	opts.ChunkDuration = time.Duration(chunkMs) * time.Millisecond
	opts.Realtime, _ = flags.GetBool("realtime")
	opts.Mulaw, _ = flags.GetBool("mulaw")
	noPartials, _ := flags.GetBool("no-partials")
	opts.PartialResults = !noPartials
	opts.TrimSilence, _ = flags.GetBool("trim-silence")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runStream(ctx, opts, os.Stdout, logger)
}

func runToneCmd(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")
	freq, _ := cmd.Flags().GetFloat64("freq")
	duration, _ := cmd.Flags().GetDuration("duration")
	rate, _ := cmd.Flags().GetInt("sample-rate")

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeTone(f, freq, duration, rate); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	logger.Info().Str("file", out).Float64("freq", freq).Dur("duration", duration).Msg("Tone written")
	return nil
}

func runHealthCmd(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	service, _ := cmd.Flags().GetString("service")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	serving, err := healthrpc.Check(ctx, addr, service)
	if err != nil {
		return err
	}
	if !serving {
		return fmt.Errorf("%s is not serving", addr)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
	return nil
}
