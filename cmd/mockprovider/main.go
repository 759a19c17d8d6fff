// Command mockprovider is a development stand-in for the upstream speech
// provider. It speaks the same wire protocol the gateway dials: a begin
// message on connect, one synthetic transcript per second of received
// audio, and a termination summary in response to terminate.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var phrases = []string{
	"thanks for calling how can I help you today",
	"sure let me pull up that account for you",
	"can you confirm the last four digits for me",
	"one moment while I check on that",
	"is there anything else I can help you with",
}

type beginMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type transcriptMessage struct {
	Type  string  `json:"type"`
	Text  string  `json:"text"`
	Final bool    `json:"final"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type terminationMessage struct {
	Type                 string  `json:"type"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		http.Error(w, "Missing credentials", http.StatusUnauthorized)
		return
	}

	sampleRate := r.URL.Query().Get("sample_rate")
	model := r.URL.Query().Get("model")
	language := r.URL.Query().Get("language")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.New().String()
	log.Printf("🎙  Session %s opened (sample_rate=%s model=%s language=%s)",
		sessionID, sampleRate, model, language)

	conn.WriteJSON(beginMessage{
		Type:      "begin",
		ID:        sessionID,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	bytesPerSecond := 32000 // mono s16le at 16 kHz
	if v, err := strconv.Atoi(sampleRate); err == nil && v > 0 {
		bytesPerSecond = v * 2
	}

	totalBytes := 0
	emittedAt := 0
	phrase := 0

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			log.Printf("Session %s closed: %v", sessionID, err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			totalBytes += len(payload)

			// One synthetic utterance per second of received audio
			for totalBytes-emittedAt >= bytesPerSecond {
				start := float64(emittedAt) / float64(bytesPerSecond)
				emittedAt += bytesPerSecond
				end := float64(emittedAt) / float64(bytesPerSecond)

				text := phrases[phrase%len(phrases)]
				phrase++

				conn.WriteJSON(transcriptMessage{
					Type:  "transcript",
					Text:  text,
					Final: true,
					Start: start,
					End:   end,
				})
				log.Printf("📝 Session %s transcript [%.1fs-%.1fs]: %s", sessionID, start, end, text)
			}

		case websocket.TextMessage:
			var msg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != "terminate" {
				conn.WriteJSON(errorMessage{
					Type:    "error",
					Code:    4002,
					Message: "unsupported message type",
				})
				continue
			}

			duration := float64(totalBytes) / float64(bytesPerSecond)
			conn.WriteJSON(terminationMessage{
				Type:                 "termination",
				AudioDurationSeconds: duration,
			})
			log.Printf("✅ Session %s terminated after %.1fs of audio", sessionID, duration)
			return
		}
	}
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		http.Error(w, "Missing credentials", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	flag.Parse()

	http.HandleFunc("/v1/stream", streamHandler)
	http.HandleFunc("/v1/status", statusHandler)

	log.Printf("🚀 Mock speech provider starting on %s", *addr)
	log.Printf("📡 Stream endpoint: ws://localhost%s/v1/stream", *addr)
	log.Printf("💡 Point the gateway at it: provider.endpoint=ws://localhost%s/v1/stream", *addr)

	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
