// Package main runs the audio encoder service.
//
// Usage:
//
//	audio-encoder-service [--config path]            run the service
//	audio-encoder-service serve [--config path]      same as above
//	audio-encoder-service encode -i in.wav -o outdir  encode a file offline
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/skypro1111/audio-encoder-service/internal/config"
	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/encoder/wav"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-encoder-service"
	serviceVersion    = "1.0.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "Audio encoding service",
	Long:          `Encodes float audio streams into WAV or raw PCM payloads, with amplitude based voice activity detection.`,
	Version:       serviceVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(encodeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file. A missing default file is not an
// error; the built in defaults are used instead.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, err
}

// newRegistry registers every built in codec
func newRegistry() (*encoder.Registry, error) {
	registry := encoder.NewRegistry()
	if err := wav.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register %s codec: %w", wav.Name, err)
	}
	return registry, nil
}
