package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nullptr-z/Q-bot/internal/audio"
	"github.com/nullptr-z/Q-bot/internal/events"
	"github.com/nullptr-z/Q-bot/internal/fanout"
)

func main() {
	gateway := flag.String("gateway", "http://localhost:8080", "qbot base URL")
	concurrency := flag.Int("concurrency", 10, "number of simulated devices")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with sample audio files")
	timeout := flag.Duration("timeout", 60*time.Second, "per-turn timeout")
	flag.Parse()

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
		files = nil
	}

	fmt.Printf("Load test: %d concurrent devices for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s\n\n", *gateway)

	client := &http.Client{Timeout: *timeout}
	var mu sync.Mutex
	var results []turnResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			device := uuid.NewString()
			for time.Now().Before(deadline) {
				r := runTurn(client, *gateway, device, files, *timeout)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type turnResult struct {
	success    bool
	firstMs    float64
	terminalMs float64
	events     int
	audio      time.Duration
	err        string
}

// signalBody is the body of a signal record.
type signalBody struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func runTurn(client *http.Client, gateway, device string, files []string, timeout time.Duration) turnResult {
	header := http.Header{}
	header.Set("Cookie", fanout.DeviceCookie+"="+device)
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(gateway, "/"), "http") + "/ws/events"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return turnResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	// The stream is live once the upgrade returns; anything published from
	// here on reaches this connection.
	start := time.Now()
	recv := make(chan turnResult, 1)
	go func() { recv <- readUntilTerminal(conn, start, timeout) }()

	clip := getAudioData(files)
	if err = postAudio(client, gateway, device, clip); err != nil {
		conn.Close()
		<-recv
		return turnResult{err: err.Error()}
	}
	res := <-recv
	res.audio = audio.WAVDuration(clip)
	return res
}

func readUntilTerminal(conn *websocket.Conn, start time.Time, timeout time.Duration) turnResult {
	conn.SetReadDeadline(time.Now().Add(timeout))
	res := turnResult{}
	for {
		var rec events.Record
		if err := conn.ReadJSON(&rec); err != nil {
			res.err = fmt.Sprintf("read: %v", err)
			return res
		}
		res.events++
		if res.firstMs == 0 {
			res.firstMs = msSince(start)
		}
		if rec.Type != events.TypeSignal {
			continue
		}

		var sig signalBody
		if err := json.Unmarshal([]byte(rec.Data), &sig); err != nil {
			continue
		}
		switch sig.Type {
		case "complete":
			res.success = true
			res.terminalMs = msSince(start)
			return res
		case "error":
			res.err = "run error: " + sig.Data
			return res
		}
	}
}

func postAudio(client *http.Client, gateway, device string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "clip.wav")
	if err != nil {
		return err
	}
	if _, err = fw.Write(data); err != nil {
		return err
	}
	if err = mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(gateway, "/")+"/assistant", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(&http.Cookie{Name: fanout.DeviceCookie, Value: device})

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

func getAudioData(files []string) []byte {
	if len(files) > 0 {
		data, err := os.ReadFile(files[rand.Intn(len(files))])
		if err == nil {
			return data
		}
	}
	return generateSyntheticAudio(3 * time.Second)
}

func generateSyntheticAudio(dur time.Duration) []byte {
	sampleRate := 16000
	samples := make([]float32, int(dur.Seconds())*sampleRate)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = float32(math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	return audio.SamplesToWAV(samples, sampleRate)
}

var audioExts = map[string]bool{".wav": true, ".mp3": true, ".ogg": true, ".flac": true, ".webm": true}

func findAudioFiles(dir string) ([]string, error) {
	var files []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if audioExts[filepath.Ext(e.Name())] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(results []turnResult) {
	var succeeded, failed, eventCount int
	var audioTotal time.Duration
	var firstAll, terminalAll []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		eventCount += r.events
		audioTotal += r.audio
		firstAll = append(firstAll, r.firstMs)
		terminalAll = append(terminalAll, r.terminalMs)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Turns completed: %d\n", succeeded)
	fmt.Printf("Turns failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Printf("  %4d  %s\n", n, msg)
	}

	if len(firstAll) == 0 {
		fmt.Println("No successful turns to report metrics")
		return
	}

	fmt.Printf("Events/turn:     %.1f\n", float64(eventCount)/float64(succeeded))
	if audioTotal > 0 {
		fmt.Printf("WAV audio sent:  %s\n", audioTotal.Round(time.Second))
	}
	fmt.Printf("\n%-9s %8s %8s %8s\n", "Metric", "p50", "p95", "p99")
	fmt.Printf("%-9s %8.0fms %8.0fms %8.0fms\n", "First", percentile(firstAll, 50), percentile(firstAll, 95), percentile(firstAll, 99))
	fmt.Printf("%-9s %8.0fms %8.0fms %8.0fms\n", "Terminal", percentile(terminalAll, 50), percentile(terminalAll, 95), percentile(terminalAll, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
