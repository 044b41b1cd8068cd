package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/config"
	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/encoder/wav"
	"github.com/skypro1111/audio-encoder-service/internal/metrics"
	"github.com/skypro1111/audio-encoder-service/internal/protocol"
	"github.com/skypro1111/audio-encoder-service/internal/sink"
	"github.com/skypro1111/audio-encoder-service/internal/stream"
	"github.com/skypro1111/audio-encoder-service/internal/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEncoderConfig() encoder.Config {
	cfg := encoder.DefaultConfig()
	cfg.SampleRate = 8000
	cfg.BufferSize = 100
	return cfg
}

func newTestManager(t *testing.T, opts ...stream.Option) *stream.Manager {
	t.Helper()
	registry := encoder.NewRegistry()
	if err := wav.Register(registry); err != nil {
		t.Fatalf("Failed to register wav codec: %v", err)
	}
	mgr := stream.NewManager(testLogger(), registry, stream.ManagerConfig{
		Encoder:   testEncoderConfig(),
		Detection: vad.DefaultConfig(),
		QueueSize: 32,
		Timeout:   time.Minute,
	}, opts...)
	t.Cleanup(mgr.Stop)
	return mgr
}

type testAPI struct {
	server  *httptest.Server
	mgr     *stream.Manager
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	mgr := newTestManager(t, stream.WithMetrics(m))

	h := NewHTTPServer(config.HTTPConfig{}, testLogger(), config.Default(), mgr, nil, m, WithGatherer(reg))
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	return &testAPI{server: srv, mgr: mgr, metrics: m, reg: reg}
}

func (a *testAPI) do(t *testing.T, method, path, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func constChunk(value float32, n int) audio.Chunk {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	return audio.Mono(samples)
}

func wavFile(t *testing.T, c audio.Chunk, sampleRate int) []byte {
	t.Helper()
	pcm, err := audio.EncodePCM(c, 16)
	if err != nil {
		t.Fatalf("EncodePCM failed: %v", err)
	}
	data, err := audio.EncodeWAV(pcm, c.Channels(), sampleRate, 16)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	return data
}

func TestHealthAndRoot(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/", http.StatusOK},
		{"/health", http.StatusOK},
		{"/stats", http.StatusOK},
		{"/config", http.StatusOK},
		{"/sessions", http.StatusOK},
		{"/missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := api.do(t, http.MethodGet, tt.path, "", nil)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}

	resp := api.do(t, http.MethodGet, "/health", "", nil)
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", health["status"])
	}
}

func TestCreateSessionEndpoint(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"defaults", "", http.StatusCreated},
		{"with encoder", `{"encoder":{"codec":"wav","sample_rate":16000,"buffer_size":160,"channels":1}}`, http.StatusCreated},
		{"bad id", `{"id":"not-a-uuid"}`, http.StatusBadRequest},
		{"unknown codec", `{"encoder":{"codec":"opus"}}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.do(t, http.MethodPost, "/sessions", "application/json", []byte(tt.body))
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}

	if count := api.mgr.GetActiveSessionCount(); count != 2 {
		t.Errorf("Expected 2 sessions, got %d", count)
	}
}

func TestSessionDetailAndDelete(t *testing.T) {
	api := newTestAPI(t)

	session, err := api.mgr.CreateSession(stream.SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	resp := api.do(t, http.MethodGet, "/sessions/"+session.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var info stream.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode session info: %v", err)
	}
	if info.ID != session.ID {
		t.Errorf("Expected id %s, got %s", session.ID, info.ID)
	}
	if info.Config.BufferSize != 100 {
		t.Errorf("Expected buffer size 100, got %d", info.Config.BufferSize)
	}

	resp = api.do(t, http.MethodDelete, "/sessions/"+session.ID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	resp = api.do(t, http.MethodDelete, "/sessions/"+session.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	resp = api.do(t, http.MethodGet, "/sessions/"+session.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestAudioAndDataEndpoints(t *testing.T) {
	api := newTestAPI(t)

	session, err := api.mgr.CreateSession(stream.SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	base := "/sessions/" + session.ID

	resp := api.do(t, http.MethodPost, base+"/audio", "audio/wav", wavFile(t, constChunk(0.25, 250), 8000))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	var queued struct {
		Samples int `json:"samples"`
		Queued  int `json:"queued"`
		Dropped int `json:"dropped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("Failed to decode audio response: %v", err)
	}
	if queued.Samples != 250 || queued.Queued != 3 || queued.Dropped != 0 {
		t.Errorf("Expected 250 samples in 3 chunks, got %+v", queued)
	}

	frame, err := protocol.EncodeFrame(constChunk(0.5, 50))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	resp = api.do(t, http.MethodPost, base+"/audio", "application/octet-stream", frame)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	resp = api.do(t, http.MethodPost, base+"/data", "application/json", []byte(`{"finish":true,"context":"req-1"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != wav.MimeWAV {
		t.Errorf("Expected content type %s, got %s", wav.MimeWAV, ct)
	}
	if ctx := resp.Header.Get(headerContext); ctx != "req-1" {
		t.Errorf("Expected context req-1, got %q", ctx)
	}
	if mode := resp.Header.Get(headerMode); mode != string(encoder.ResultBlob) {
		t.Errorf("Expected result mode blob, got %q", mode)
	}
	body, _ := io.ReadAll(resp.Body)
	if want := 44 + 300*2; len(body) != want {
		t.Errorf("Expected %d bytes, got %d", want, len(body))
	}
	if err := audio.ValidateWAV(body); err != nil {
		t.Errorf("Response is not a valid WAV: %v", err)
	}
}

func TestAudioEndpointDropsExtraChannels(t *testing.T) {
	api := newTestAPI(t)

	session, err := api.mgr.CreateSession(stream.SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	base := "/sessions/" + session.ID

	c := audio.Chunk{
		constChunk(0.25, 100)[0],
		constChunk(-0.5, 100)[0],
		constChunk(0.75, 100)[0],
	}
	pcm, err := audio.EncodePCM(c, 16)
	if err != nil {
		t.Fatalf("EncodePCM failed: %v", err)
	}
	header, err := audio.NewWAVHeader(3, 8000, 16, uint32(len(pcm))).MarshalBinary()
	if err != nil {
		t.Fatalf("Failed to build header: %v", err)
	}

	resp := api.do(t, http.MethodPost, base+"/audio", "audio/wav", append(header, pcm...))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	var queued struct {
		Queued          int `json:"queued"`
		DroppedChannels int `json:"dropped_channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("Failed to decode audio response: %v", err)
	}
	if queued.Queued != 1 || queued.DroppedChannels != 2 {
		t.Errorf("Expected 1 chunk with 2 dropped channels, got %+v", queued)
	}

	resp = api.do(t, http.MethodPost, base+"/data", "application/json", []byte(`{"finish":true}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if want := 44 + 100*2; len(body) != want {
		t.Errorf("Expected mono payload of %d bytes, got %d", want, len(body))
	}
}

func TestAudioEndpointErrors(t *testing.T) {
	api := newTestAPI(t)

	session, err := api.mgr.CreateSession(stream.SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	tests := []struct {
		name        string
		path        string
		contentType string
		body        []byte
		status      int
	}{
		{"unknown session", "/sessions/" + uuid.NewString() + "/audio", "audio/wav", nil, http.StatusNotFound},
		{"bad wav", "/sessions/" + session.ID + "/audio", "audio/wav", []byte("RIFF"), http.StatusBadRequest},
		{"short frame", "/sessions/" + session.ID + "/audio", "application/octet-stream", []byte{1, 0}, http.StatusBadRequest},
		{"data unknown session", "/sessions/" + uuid.NewString() + "/data", "", nil, http.StatusNotFound},
		{"bad data request", "/sessions/" + session.ID + "/data", "application/json", []byte(`{"finish":`), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.do(t, http.MethodPost, tt.path, tt.contentType, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestControlEndpoint(t *testing.T) {
	api := newTestAPI(t)
	id := uuid.NewString()
	base := "/sessions/" + id + "/control"

	resp := api.do(t, http.MethodPost, base, "application/json", []byte(`{"command":"clear"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 before init, got %d", resp.StatusCode)
	}

	resp = api.do(t, http.MethodPost, base, "application/json",
		[]byte(`{"command":"init","encoder":{"codec":"wav","sample_rate":16000,"buffer_size":320,"channels":1,"mime_type":"audio/l16"}}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	session, ok := api.mgr.GetSession(id)
	if !ok {
		t.Fatal("Expected init to create the session")
	}
	if cfg := session.Config(); cfg.SampleRate != 16000 || cfg.MimeType != wav.MimeL16 {
		t.Errorf("Expected 16000 Hz audio/l16, got %d Hz %s", cfg.SampleRate, cfg.MimeType)
	}

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"start detection", `{"command":"start_detection"}`, http.StatusOK},
		{"configure detection", `{"command":"configure_detection","detection":{"pause_count":"2"}}`, http.StatusOK},
		{"stop detection", `{"command":"stop_detection"}`, http.StatusOK},
		{"clear", `{"command":"clear","force":true}`, http.StatusOK},
		{"data", `{"command":"data","request":{"finish":true}}`, http.StatusOK},
		{"unknown", `{"command":"rewind"}`, http.StatusBadRequest},
		{"init without encoder", `{"command":"init"}`, http.StatusBadRequest},
		{"close", `{"command":"close"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.do(t, http.MethodPost, base, "application/json", []byte(tt.body))
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}

	if _, ok := api.mgr.GetSession(id); ok {
		t.Error("Expected close to remove the session")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)

	api.do(t, http.MethodGet, "/health", "", nil)
	api.do(t, http.MethodGet, "/sessions/"+uuid.NewString(), "", nil)

	resp := api.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"encoder_http_requests_total", "encoder_http_errors_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{stream.ErrSessionNotFound, http.StatusNotFound},
		{stream.ErrInvalidSessionID, http.StatusBadRequest},
		{stream.ErrTooManySessions, http.StatusServiceUnavailable},
		{stream.ErrSessionClosed, http.StatusGone},
		{encoder.ErrUnknownCodec, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.status {
			t.Errorf("Expected %d for %v, got %d", tt.status, tt.err, got)
		}
	}
}

func TestNewEventMessage(t *testing.T) {
	ev := newEventMessage("s1", encoder.Message{
		Kind:            encoder.KindDetection,
		Detection:       vad.EventDetectionInitialized,
		CanDetectSpeech: true,
	})
	if ev.Type != "detection" || ev.Event != vad.EventDetectionInitialized.String() {
		t.Errorf("Unexpected detection event: %+v", ev)
	}
	if ev.CanDetectSpeech == nil || !*ev.CanDetectSpeech {
		t.Error("Expected can_detect_speech true")
	}

	ev = newEventMessage("s1", encoder.Message{
		Kind: encoder.KindData,
		Data: &encoder.Data{
			Payload:    encoder.Payload{Mode: encoder.ResultRaw, Raw: [][]byte{make([]byte, 10), make([]byte, 6)}},
			ResultMode: encoder.ResultRaw,
			MimeType:   wav.MimeL16,
			Context:    "ctx",
		},
	})
	if ev.Data == nil {
		t.Fatal("Expected data header")
	}
	if ev.Data.Size != 16 {
		t.Errorf("Expected size 16, got %d", ev.Data.Size)
	}
	if len(ev.Data.Buffers) != 2 || ev.Data.Buffers[0] != 10 || ev.Data.Buffers[1] != 6 {
		t.Errorf("Expected buffers [10 6], got %v", ev.Data.Buffers)
	}

	ev = newEventMessage("s1", encoder.Message{Kind: encoder.KindError, Err: errors.New("broken")})
	if ev.Type != "error" || ev.Error != "broken" {
		t.Errorf("Unexpected error event: %+v", ev)
	}
}

func TestWebsocketStream(t *testing.T) {
	api := newTestAPI(t)

	session, err := api.mgr.CreateSession(stream.SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	url := "ws" + strings.TrimPrefix(api.server.URL, "http") + "/sessions/" + session.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	frame, err := protocol.EncodeFrame(constChunk(0.25, 100))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("Write frame failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"data","request":{"finish":true,"context":"ws-1"}}`)); err != nil {
		t.Fatalf("Write control failed: %v", err)
	}

	messageType, body, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read event failed: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("Expected text event, got type %d", messageType)
	}
	var ev EventMessage
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if ev.Type != "data" || ev.Data == nil {
		t.Fatalf("Expected data event, got %+v", ev)
	}
	if ev.Data.Context != "ws-1" || !ev.Data.Finish {
		t.Errorf("Expected finished ws-1 payload, got %+v", ev.Data)
	}

	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read payload failed: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Errorf("Expected binary payload, got type %d", messageType)
	}
	if want := 44 + 100*2; len(payload) != want || ev.Data.Size != want {
		t.Errorf("Expected %d bytes, got %d (header %d)", want, len(payload), ev.Data.Size)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"close"}`)); err != nil {
		t.Fatalf("Write close failed: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if _, ok := api.mgr.GetSession(session.ID); ok {
		t.Error("Expected close command to remove the session")
	}
}

func TestWebsocketUnknownSession(t *testing.T) {
	api := newTestAPI(t)

	url := "ws" + strings.TrimPrefix(api.server.URL, "http") + "/sessions/" + uuid.NewString() + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %v", resp)
	}
}

type chanSink struct {
	ch chan *encoder.Data
}

func (s *chanSink) Write(sessionID string, data *encoder.Data) error {
	s.ch <- data
	return nil
}

func newTestUDPServer(t *testing.T, opts ...stream.Option) (*UDPServer, *stream.Manager, *net.UDPConn) {
	t.Helper()
	mgr := newTestManager(t, opts...)
	srv := NewUDPServer(&config.ServerConfig{
		BindAddress: "127.0.0.1",
		UDPPort:     0,
		BufferSize:  65536,
		Workers:     2,
		QueueSize:   16,
	}, testLogger(), mgr, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client, err := net.DialUDP("udp", nil, srv.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, mgr, client
}

func TestUDPServerSessionFlow(t *testing.T) {
	sink := &chanSink{ch: make(chan *encoder.Data, 4)}
	srv, mgr, client := newTestUDPServer(t, stream.WithSink(sink))

	id := uuid.New()
	initCfg := testEncoderConfig()
	packets := make([][]byte, 0, 3)

	init, err := protocol.MarshalControl(id, &protocol.Control{Command: protocol.CommandInit, Encoder: &initCfg})
	if err != nil {
		t.Fatalf("MarshalControl failed: %v", err)
	}
	packets = append(packets, init)

	audioPacket, err := protocol.MarshalAudio(id, constChunk(0.25, 100))
	if err != nil {
		t.Fatalf("MarshalAudio failed: %v", err)
	}
	packets = append(packets, audioPacket)

	data, err := protocol.MarshalControl(id, &protocol.Control{
		Command: protocol.CommandData,
		Request: &encoder.Request{Finish: true, Context: "udp-1"},
	})
	if err != nil {
		t.Fatalf("MarshalControl failed: %v", err)
	}
	packets = append(packets, data)

	for _, p := range packets {
		if _, err := client.Write(p); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	select {
	case got := <-sink.ch:
		if got.Context != "udp-1" {
			t.Errorf("Expected context udp-1, got %q", got.Context)
		}
		if want := 44 + 100*2; got.Payload.Len() != want {
			t.Errorf("Expected %d bytes, got %d", want, got.Payload.Len())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for payload")
	}

	if _, ok := mgr.GetSession(id.String()); !ok {
		t.Error("Expected session to exist")
	}
	stats := srv.GetStatistics()
	if stats.PacketsProcessed != 3 {
		t.Errorf("Expected 3 processed packets, got %d", stats.PacketsProcessed)
	}
	if stats.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", stats.Workers)
	}
}

func TestUDPServerAudioCreatesSession(t *testing.T) {
	_, mgr, client := newTestUDPServer(t)

	id := uuid.New()
	packet, err := protocol.MarshalAudio(id, constChunk(0.1, 50))
	if err != nil {
		t.Fatalf("MarshalAudio failed: %v", err)
	}
	if _, err := client.Write(packet); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := mgr.GetSession(id.String()); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected audio to create the session")
}

func TestUDPServerParseErrors(t *testing.T) {
	srv, _, client := newTestUDPServer(t)

	// Short header, then a header whose length disagrees with the datagram
	bad := make([]byte, protocol.HeaderSize+4)
	bad[0] = protocol.PacketTypeAudio
	bad[1] = 1
	bad[3] = 200
	id := uuid.New()
	copy(bad[4:20], id[:])
	for _, p := range [][]byte{{0x02, 0x01}, bad} {
		if _, err := client.Write(p); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if srv.GetStatistics().ParseErrors == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Expected 2 parse errors, got %d", srv.GetStatistics().ParseErrors)
}

func TestStatsReportsWebhook(t *testing.T) {
	var uploads atomic.Int32
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		uploads.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(endpoint.Close)

	webhook, err := sink.NewWebhook(sink.WebhookConfig{Endpoint: endpoint.URL, MaxConcurrent: 1}, testLogger())
	if err != nil {
		t.Fatalf("NewWebhook failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		webhook.Close(ctx)
	})

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	mgr := newTestManager(t, stream.WithMetrics(m), stream.WithSink(webhook))
	h := NewHTTPServer(config.HTTPConfig{}, testLogger(), config.Default(), mgr, nil, m, WithGatherer(reg), WithWebhook(webhook))
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	api := &testAPI{server: srv, mgr: mgr, metrics: m, reg: reg}

	session, err := mgr.CreateSession(stream.SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	base := "/sessions/" + session.ID

	if resp := api.do(t, http.MethodPost, base+"/audio", "audio/wav", wavFile(t, constChunk(0.25, 100), 8000)); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	if resp := api.do(t, http.MethodPost, base+"/data", "application/json", []byte(`{"finish":true}`)); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for webhook.GetStats().SuccessRequests < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for webhook upload")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if uploads.Load() != 1 {
		t.Errorf("Expected 1 upload, got %d", uploads.Load())
	}

	resp := api.do(t, http.MethodGet, "/stats", "", nil)
	var stats struct {
		Webhook *sink.WebhookStats `json:"webhook"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Webhook == nil || stats.Webhook.SuccessRequests != 1 {
		t.Errorf("Expected webhook stats with 1 success, got %+v", stats.Webhook)
	}
}
