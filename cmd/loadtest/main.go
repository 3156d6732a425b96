package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

// Stats tracks performance metrics
type Stats struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	presenceFrames   atomic.Int64
	totalLatency     atomic.Int64 // in microseconds
	connectionErrors atomic.Int64
	registerFailures atomic.Int64
	sendFailures     atomic.Int64
	disconnections   atomic.Int64
	policyViolations atomic.Int64
}

func (s *Stats) recordDelivery(latencyUs int64) {
	s.messagesReceived.Add(1)
	s.totalLatency.Add(latencyUs)
}

func (s *Stats) snapshot() (sent, received, connErrors int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load()
	received = s.messagesReceived.Load()
	connErrors = s.connectionErrors.Load()
	if received > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(received)
	}
	return
}

// Roster holds the user ids of every connected bot so they can address each other
type Roster struct {
	mu  sync.RWMutex
	ids []string
}

func (r *Roster) add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

// pick returns a random id other than self, or "" if nobody else is there
func (r *Roster) pick(self string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ids) < 2 {
		return ""
	}
	for {
		id := r.ids[rand.Intn(len(r.ids))]
		if id != self {
			return id
		}
	}
}

// BotClient represents a fake chat user for load testing
type BotClient struct {
	id       int
	username string
	userID   string
	baseURL  *url.URL
	cookie   *http.Cookie
	conn     *websocket.Conn
	stats    *Stats
	roster   *Roster
	writeMu  sync.Mutex
}

func NewBotClient(id int, baseURL *url.URL, runID string, stats *Stats, roster *Roster) *BotClient {
	return &BotClient{
		id:       id,
		username: fmt.Sprintf("%s%s%d", loremWords[rand.Intn(len(loremWords))][:2], runID, id),
		baseURL:  baseURL,
		stats:    stats,
		roster:   roster,
	}
}

// Register creates the bot's account and keeps the session cookie
func (bc *BotClient) Register() error {
	body, err := json.Marshal(map[string]string{"username": bc.username, "password": "loadtest"})
	if err != nil {
		return err
	}

	resp, err := http.Post(bc.baseURL.JoinPath("register").String(), "application/json", bytes.NewReader(body))
	if err != nil {
		bc.stats.connectionErrors.Add(1)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		bc.stats.registerFailures.Add(1)
		return fmt.Errorf("register %s: status %d", bc.username, resp.StatusCode)
	}

	var account struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return err
	}
	for _, c := range resp.Cookies() {
		if c.Name == auth.CookieName {
			bc.cookie = c
		}
	}
	if bc.cookie == nil {
		return errors.New("no session cookie in register response")
	}
	bc.userID = account.UserID
	return nil
}

func (bc *BotClient) Connect() error {
	wsURL := *bc.baseURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/ws"

	header := http.Header{}
	header.Set("Cookie", bc.cookie.Name+"="+bc.cookie.Value)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL.String(), header)
	if err != nil {
		bc.stats.connectionErrors.Add(1)
		return err
	}
	resp.Body.Close()
	bc.conn = conn
	bc.roster.add(bc.userID)
	return nil
}

// readLoop counts inbound frames until the socket closes
func (bc *BotClient) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := bc.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				bc.stats.policyViolations.Add(1)
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				bc.stats.disconnections.Add(1)
			}
			return
		}

		if bytes.HasPrefix(data, []byte(`{"online"`)) {
			bc.stats.presenceFrames.Add(1)
			continue
		}

		var chat protocol.ChatFrame
		if err := json.Unmarshal(data, &chat); err != nil {
			continue
		}
		stamp, _, _ := strings.Cut(chat.Text, " ")
		if sentAt, err := strconv.ParseInt(stamp, 10, 64); err == nil {
			bc.stats.recordDelivery(time.Since(time.UnixMicro(sentAt)).Microseconds())
		}
	}
}

// SendRandomMessage sends lorem text to a random other bot. The text starts
// with the send time so the recipient can measure delivery latency.
func (bc *BotClient) SendRandomMessage() error {
	recipient := bc.roster.pick(bc.userID)
	if recipient == "" {
		return nil
	}

	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	words = append(words, strconv.FormatInt(time.Now().UnixMicro(), 10))
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	bc.writeMu.Lock()
	err := bc.conn.WriteJSON(map[string]string{
		"recipient": recipient,
		"text":      strings.Join(words, " "),
	})
	bc.writeMu.Unlock()
	if err != nil {
		bc.stats.sendFailures.Add(1)
		return err
	}
	bc.stats.messagesSent.Add(1)
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, stop <-chan struct{}) {
	defer bc.conn.Close()

	done := make(chan struct{})
	go bc.readLoop(done)

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.SendRandomMessage(); err != nil {
			break
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-done:
			return
		case <-stop:
			endTime = time.Now()
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}

	bc.writeMu.Lock()
	_ = bc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	bc.writeMu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

func main() {
	serverAddr := flag.String("server", "http://localhost:3003", "Server base URL")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	flag.Parse()

	baseURL, err := url.Parse(*serverAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid server URL")
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Info().
		Str("server", baseURL.String()).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("ramp_up", rampUpDuration).
		Dur("min_delay", *minDelay).
		Dur("max_delay", *maxDelay).
		Msg("starting load test")

	runID := strconv.FormatInt(time.Now().Unix()%100000, 36)
	stats := &Stats{}
	roster := &Roster{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, received, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Info().
					Int64("sent", sent).
					Str("send_rate", fmt.Sprintf("%.1f/s", float64(sent)/elapsed)).
					Int64("received", received).
					Int64("conn_errors", connErrors).
					Str("avg_latency", fmt.Sprintf("%.2fms", avgUs/1000.0)).
					Msg("stats")
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn().Msg("shutdown signal received, stopping test")
		stopOnce.Do(func() { close(stop) })
	}()

spawn:
	for i := 0; i < *numClients; i++ {
		// reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		wg.Add(1)
		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, baseURL, runID, stats, roster)
			if err := bot.Register(); err != nil {
				log.Debug().Err(err).Int("bot", id).Msg("register failed")
				return
			}
			if err := bot.Connect(); err != nil {
				log.Debug().Err(err).Int("bot", id).Msg("connect failed")
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Info().Int("bot", id).Str("user_id", bot.userID).Msg("connected")
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stop)
		}(i, shutdownDelay)

		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)

	sent, received, connErrors, avgUs := stats.snapshot()
	delivery := 0.0
	if sent > 0 {
		delivery = float64(received) / float64(sent) * 100
	}

	log.Info().
		Dur("duration", *duration).
		Int64("sent", sent).
		Str("send_rate", fmt.Sprintf("%.1f/s", float64(sent)/duration.Seconds())).
		Int64("received", received).
		Str("delivery_rate", fmt.Sprintf("%.1f%%", delivery)).
		Int64("presence_frames", stats.presenceFrames.Load()).
		Int64("send_failures", stats.sendFailures.Load()).
		Int64("register_failures", stats.registerFailures.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Int64("policy_violations", stats.policyViolations.Load()).
		Int64("conn_errors", connErrors).
		Str("avg_latency", fmt.Sprintf("%.2fms", avgUs/1000.0)).
		Msg("final results")
}
