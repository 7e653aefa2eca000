package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/protocol"
	"github.com/antoniostano/stroop/internal/results"
	"github.com/antoniostano/stroop/internal/sequence"
	"github.com/antoniostano/stroop/internal/session"
)

// probeOptions drive a synthetic participant against a running server.
type probeOptions struct {
	baseURL      string
	participant  string
	trials       int
	language     string
	focus        string
	readyGate    bool
	responseMin  time.Duration
	responseMax  time.Duration
	errorRate    float64
	blockTimeout time.Duration
	verbose      bool
}

type createBlockResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string               `json:"type"`
	Items  []protocol.FrameItem `json:"items"`
	Code   string               `json:"code"`
	Detail string               `json:"detail"`
}

var probeOpts probeOptions

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run a block on a server with a synthetic participant",
	Long: `probe starts a block on a running "stroop serve", answers every
stimulus through the display websocket after a random response delay,
counts the markers it receives and checks the stored result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := probeOpts.validate(); err != nil {
			return err
		}
		return runProbe(cmd.Context(), probeOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeOpts.baseURL, "base-url", "http://127.0.0.1:8080", "server base URL")
	f.StringVar(&probeOpts.participant, "participant", "probe", "participant identifier of the synthetic block")
	f.IntVar(&probeOpts.trials, "n-trials", 12, "number of trials, a positive multiple of 6")
	f.StringVar(&probeOpts.language, "language", "", "word table language (default $STROOP_LANGUAGE)")
	f.StringVar(&probeOpts.focus, "focus", "color", "attribute compared with the bottom word: color or text")
	f.BoolVar(&probeOpts.readyGate, "ready-gate", false, "hold the ready key instead of using the random wait")
	f.DurationVar(&probeOpts.responseMin, "response-min", 350*time.Millisecond, "shortest response delay")
	f.DurationVar(&probeOpts.responseMax, "response-max", 900*time.Millisecond, "longest response delay")
	f.Float64Var(&probeOpts.errorRate, "error-rate", 0, "fraction of deliberately wrong answers")
	f.DurationVar(&probeOpts.blockTimeout, "timeout", 10*time.Minute, "give up after this long")
	f.BoolVar(&probeOpts.verbose, "verbose", true, "print progress")
}

func (o *probeOptions) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if o.trials <= 0 {
		return fmt.Errorf("n-trials must be > 0")
	}
	if o.responseMin < 0 || o.responseMax < o.responseMin {
		return fmt.Errorf("response delays must satisfy 0 <= min <= max")
	}
	if o.errorRate < 0 || o.errorRate > 1 {
		return fmt.Errorf("error-rate must be in [0,1]")
	}
	if o.blockTimeout < time.Second {
		o.blockTimeout = time.Second
	}
	return nil
}

// participant answers stimuli the way the task expects, reading the colors
// back to words with the local word table.
type participant struct {
	focus   sequence.Focus
	byColor map[string]string
	rng     *rand.Rand
	opts    probeOptions
}

func newParticipant(tc config.TaskConfig, opts probeOptions) (*participant, error) {
	focus, err := sequence.ParseFocus(opts.focus)
	if err != nil {
		return nil, err
	}
	byColor := make(map[string]string, len(tc.Words))
	for _, w := range tc.Words {
		byColor[strings.ToLower(w.Color.Hex())] = w.Word
	}
	return &participant{
		focus:   focus,
		byColor: byColor,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		opts:    opts,
	}, nil
}

// answer returns the key for a frame showing both stimuli, or "" when the
// frame asks for no response.
func (p *participant) answer(items []protocol.FrameItem) string {
	var top, bottom *protocol.FrameItem
	for i := range items {
		switch items[i].Kind {
		case "congruent", "incongruent", "neutral":
			top = &items[i]
		case "bottom":
			bottom = &items[i]
		}
	}
	if top == nil || bottom == nil {
		return ""
	}
	focused := p.byColor[strings.ToLower(top.Color)]
	if p.focus == sequence.FocusText && top.Kind != "neutral" {
		focused = top.Text
	}
	right := strings.EqualFold(bottom.Text, focused)
	if p.rng.Float64() < p.opts.errorRate {
		right = !right
	}
	if right {
		return "ArrowRight"
	}
	return "ArrowLeft"
}

func (p *participant) delay() time.Duration {
	span := p.opts.responseMax - p.opts.responseMin
	if span <= 0 {
		return p.opts.responseMin
	}
	return p.opts.responseMin + time.Duration(p.rng.Int64N(int64(span)))
}

func hasKind(items []protocol.FrameItem, kind string) bool {
	for _, it := range items {
		if it.Kind == kind {
			return true
		}
	}
	return false
}

func runProbe(parent context.Context, opts probeOptions, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.blockTimeout)
	defer cancel()

	language := opts.language
	if language == "" {
		language = cfg.Language
	}
	tc, err := config.LoadTask(cfg.TaskConfigDir, language)
	if err != nil {
		return err
	}
	p, err := newParticipant(tc, opts)
	if err != nil {
		return err
	}

	displayURL, err := wsURL(opts.baseURL, "/v1/display/ws")
	if err != nil {
		return fmt.Errorf("build display ws URL: %w", err)
	}
	markersURL, err := wsURL(opts.baseURL, "/v1/markers/ws")
	if err != nil {
		return fmt.Errorf("build markers ws URL: %w", err)
	}
	displayConn, _, err := websocket.DefaultDialer.DialContext(ctx, displayURL, nil)
	if err != nil {
		return fmt.Errorf("open display websocket: %w", err)
	}
	defer displayConn.Close()
	markerConn, _, err := websocket.DefaultDialer.DialContext(ctx, markersURL, nil)
	if err != nil {
		return fmt.Errorf("open markers websocket: %w", err)
	}
	defer markerConn.Close()

	labels := make(chan string, 1024)
	go readMarkers(markerConn, labels)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createBlock(ctx, httpClient, opts)
	if err != nil {
		return fmt.Errorf("create block: %w", err)
	}
	if opts.verbose {
		fmt.Fprintf(out, "probe: session=%s trials=%d focus=%s ready_gate=%v\n", sessionID, opts.trials, opts.focus, opts.readyGate)
	}

	go func() {
		<-ctx.Done()
		_ = displayConn.Close()
	}()

	answered := 0
	downHeld := false
	send := func(key, action string) error {
		return displayConn.WriteJSON(protocol.KeyEvent{
			Type:   protocol.TypeKeyEvent,
			Key:    key,
			Action: action,
			TSMs:   time.Now().UnixMilli(),
		})
	}
	for done := false; !done; {
		_, data, err := displayConn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("block did not end: %w", ctx.Err())
			}
			return fmt.Errorf("display ws read: %w", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeDisplayClosed:
			done = true
		case protocol.TypeErrorEvent:
			fmt.Fprintf(os.Stderr, "probe: error_event code=%s detail=%s\n", env.Code, env.Detail)
		case protocol.TypeFrame:
			switch {
			case hasKind(env.Items, "instructions"):
				err = send("space", "press")
			case opts.readyGate && hasKind(env.Items, "fixation") && !downHeld:
				downHeld = true
				err = send("ArrowDown", "press")
			default:
				key := p.answer(env.Items)
				if key == "" {
					continue
				}
				time.Sleep(p.delay())
				if downHeld {
					downHeld = false
					if err = send("ArrowDown", "release"); err != nil {
						break
					}
				}
				answered++
				if opts.verbose {
					fmt.Fprintf(out, "probe: trial %d/%d key=%s\n", answered, opts.trials, key)
				}
				err = send(key, "press")
			}
			if err != nil {
				return fmt.Errorf("send key: %w", err)
			}
		}
	}

	rec, err := fetchResult(ctx, httpClient, opts.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("fetch result: %w", err)
	}
	markers := drainLabels(labels)
	correct := 0
	for _, tr := range rec.Trials {
		if tr.Correct {
			correct++
		}
	}
	fmt.Fprintf(out, "probe: trials=%d answered=%d correct=%d mean=%.0fms markers=%d aborted=%v\n",
		len(rec.Trials), answered, correct, rec.MeanLatencyMS, markers, rec.Aborted)
	if rec.Aborted {
		return fmt.Errorf("block %s was aborted", sessionID)
	}
	if len(rec.Trials) != opts.trials {
		return fmt.Errorf("stored %d trials, want %d", len(rec.Trials), opts.trials)
	}
	return nil
}

func createBlock(ctx context.Context, client *http.Client, opts probeOptions) (string, error) {
	payload, err := json.Marshal(session.RunRequest{
		ParticipantID: opts.participant,
		Trials:        opts.trials,
		Language:      opts.language,
		Focus:         opts.focus,
		RandomWait:    !opts.readyGate,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/v1/blocks", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createBlockResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

// fetchResult polls until the block is persisted.
func fetchResult(ctx context.Context, client *http.Client, baseURL, sessionID string) (results.BlockRecord, error) {
	endpoint := baseURL + "/v1/blocks/" + url.PathEscape(sessionID) + "/result"
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return results.BlockRecord{}, err
		}
		res, err := client.Do(req)
		if err != nil {
			return results.BlockRecord{}, err
		}
		body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
		res.Body.Close()
		if err != nil {
			return results.BlockRecord{}, err
		}
		switch res.StatusCode {
		case http.StatusOK:
			var rec results.BlockRecord
			if err := json.Unmarshal(body, &rec); err != nil {
				return results.BlockRecord{}, err
			}
			return rec, nil
		case http.StatusConflict:
			// still running
		default:
			return results.BlockRecord{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		}
		select {
		case <-ctx.Done():
			return results.BlockRecord{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func wsURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}

func readMarkers(conn *websocket.Conn, labels chan<- string) {
	defer close(labels)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m protocol.Marker
		if err := json.Unmarshal(data, &m); err != nil || m.Type != protocol.TypeMarker {
			continue
		}
		select {
		case labels <- m.Label:
		default:
		}
	}
}

// drainLabels counts the markers received so far.
func drainLabels(labels <-chan string) int {
	n := 0
	for {
		select {
		case _, ok := <-labels:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
