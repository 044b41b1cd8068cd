// Package main runs a development endpoint for webhook uploads. It logs every
// payload it receives and can keep a copy on disk.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

var (
	listenAddr string
	saveDir    string
	failEvery  int
)

var rootCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Receive webhook uploads from the encoder service",
	Long: `Accepts the multipart uploads sent by the encoder service webhook and
logs their metadata.

Point output.webhook.endpoint at http://localhost:9000/upload to use it.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":9000", "Listen address")
	rootCmd.Flags().StringVarP(&saveDir, "save", "s", "", "Directory to store received payloads")
	rootCmd.Flags().IntVar(&failEvery, "fail-every", 0, "Answer every Nth upload with 503 to exercise retries")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type uploadResponse struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	Size       int       `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}

type receiver struct {
	logger  *slog.Logger
	saveDir string
	count   atomic.Int64
}

func run(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if saveDir != "" {
		if err := os.MkdirAll(saveDir, 0o755); err != nil {
			return fmt.Errorf("failed to create save directory: %w", err)
		}
	}

	r := &receiver{logger: logger, saveDir: saveDir}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", r.handleUpload)

	logger.Info("Receiver starting",
		slog.String("address", listenAddr),
		slog.String("endpoint", "/upload"),
		slog.String("save_dir", saveDir),
	)
	return http.ListenAndServe(listenAddr, mux)
}

func (r *receiver) handleUpload(w http.ResponseWriter, req *http.Request) {
	n := r.count.Add(1)
	if failEvery > 0 && n%int64(failEvery) == 0 {
		r.logger.Info("Rejecting upload", slog.Int64("count", n))
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}

	if err := req.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := req.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting payload file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading payload file", http.StatusInternalServerError)
		return
	}

	sessionID := req.FormValue("session_id")
	sequence, _ := strconv.Atoi(req.FormValue("sequence"))

	r.logger.Info("Upload received",
		slog.String("session_id", sessionID),
		slog.Int("sequence", sequence),
		slog.String("filename", header.Filename),
		slog.String("result_mode", req.FormValue("result_mode")),
		slog.String("mime_type", req.FormValue("mime_type")),
		slog.String("finish", req.FormValue("finish")),
		slog.String("streaming", req.FormValue("streaming")),
		slog.String("context", req.FormValue("context")),
		slog.Int("bytes", len(payload)),
		slog.String("queued_at", req.FormValue("queued_at")),
	)

	if r.saveDir != "" {
		path := filepath.Join(r.saveDir, filepath.Base(header.Filename))
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			r.logger.Error("Failed to store payload", slog.String("path", path), slog.String("error", err.Error()))
			http.Error(w, "Error storing payload", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(uploadResponse{
		SessionID:  sessionID,
		Sequence:   sequence,
		Size:       len(payload),
		ReceivedAt: time.Now(),
	})
}
