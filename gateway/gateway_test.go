package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"p2pchat/models"
	"p2pchat/network"
	"p2pchat/registry"
	"p2pchat/router"
	"p2pchat/storage"
)

func TestMain(m *testing.M) {
	hashCost = bcrypt.MinCost
	os.Exit(m.Run())
}

type recordingInjector struct {
	mu       sync.Mutex
	messages []models.Message
	err      error
}

func (r *recordingInjector) InjectExternal(message models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingInjector) injected() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.messages...)
}

type gatewayFixture struct {
	gateway  *Gateway
	registry *registry.Registry
	injector *recordingInjector
	server   *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	reg := registry.New(models.Peer{ID: "self", Username: "me", DisplayName: "Desk"}, nil)
	injector := &recordingInjector{}
	gw, err := New(Options{Registry: reg, Injector: injector, PublicHost: "10.0.0.5"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	return &gatewayFixture{gateway: gw, registry: reg, injector: injector, server: server}
}

func (f *gatewayFixture) post(t *testing.T, path, contentType, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp.Body)
}

func (f *gatewayFixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	return resp, body
}

func decodeBody(t *testing.T, r io.Reader) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	return out
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSendThenPollMessages(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	status, body := f.post(t, "/channel/"+channel.ID+"/send", "application/json", `{"sender":"Bob","message":"hi"}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	if body["success"] != true || body["messageId"] != float64(1) {
		t.Fatalf("unexpected send response: %v", body)
	}

	resp, raw := f.get(t, "/channel/"+channel.ID+"/messages")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from messages, got %d", resp.StatusCode)
	}
	var polled struct {
		Success     bool             `json:"success"`
		ChannelName string           `json:"channelName"`
		Messages    []ChannelMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &polled); err != nil {
		t.Fatalf("decode messages failed: %v", err)
	}
	if !polled.Success || polled.ChannelName != "Lobby" || len(polled.Messages) != 1 {
		t.Fatalf("unexpected messages response: %s", raw)
	}
	got := polled.Messages[0]
	if got.ID != 1 || got.Sender != "Bob" || got.Content != "hi" {
		t.Fatalf("unexpected log entry: %+v", got)
	}
	if bytes.Contains(raw, []byte("clientIP")) {
		t.Fatalf("client address leaked into poll response: %s", raw)
	}

	injected := f.injector.injected()
	if len(injected) != 1 {
		t.Fatalf("expected one injected message, got %d", len(injected))
	}
	msg := injected[0]
	if msg.SenderID != "channel_"+channel.ID+"_Bob" || msg.RecipientID != "self" || msg.Content != "hi" {
		t.Fatalf("unexpected injected message: %+v", msg)
	}

	peer, ok := f.registry.Get(msg.SenderID)
	if !ok {
		t.Fatalf("expected virtual sender peer to be registered")
	}
	if !peer.IsVirtual() || peer.Port != 0 || peer.DisplayName != "Bob (via Lobby)" || peer.Status != models.PeerStatusOnline {
		t.Fatalf("unexpected virtual peer: %+v", peer)
	}
}

func TestSendSanitizesSenderKey(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	status, _ := f.post(t, "/channel/"+channel.ID+"/send", "application/json", `{"sender":"Ann-Marie O'Neil","message":"yo"}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	want := "channel_" + channel.ID + "_AnnMarieONeil"
	if _, ok := f.registry.Get(want); !ok {
		t.Fatalf("expected peer %q in registry", want)
	}
}

func TestSendDefaultsToAnonymous(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if channel.Name != "Anonymous Channel" {
		t.Fatalf("expected default channel name, got %q", channel.Name)
	}

	status, _ := f.post(t, "/channel/"+channel.ID+"/send", "application/json", `{"message":"hello"}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	log := channel.Messages()
	if len(log) != 1 || log[0].Sender != "Anonymous" {
		t.Fatalf("unexpected log: %+v", log)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	status, body := f.post(t, "/channel/"+channel.ID+"/send", "application/json", `{"sender":"Bob","message":"   "}`)
	if status != http.StatusBadRequest || body["success"] != false || body["message"] != "Message content is required" {
		t.Fatalf("unexpected response %d %v", status, body)
	}
	if channel.MessageCount() != 0 || len(f.injector.injected()) != 0 {
		t.Fatalf("empty message should not be recorded")
	}
}

func TestSecureChannelRejectsWrongPassword(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateSecureChannel("Vault", "s3cret")
	if err != nil {
		t.Fatalf("CreateSecureChannel failed: %v", err)
	}
	if channel.Config.Password != "" {
		t.Fatalf("plain password must not be kept on the channel")
	}

	status, body := f.post(t, "/channel/"+channel.ID+"/send", "application/json", `{"sender":"Eve","message":"let me in","password":"guess"}`)
	if status != http.StatusBadRequest || body["success"] != false || body["message"] != "Invalid password" {
		t.Fatalf("unexpected response %d %v", status, body)
	}
	if channel.MessageCount() != 0 || len(channel.Messages()) != 0 {
		t.Fatalf("rejected message reached the channel log")
	}
	if len(f.injector.injected()) != 0 {
		t.Fatalf("rejected message reached the router")
	}

	status, body = f.post(t, "/channel/"+channel.ID+"/send", "application/json", `{"sender":"Alice","message":"hello","password":"s3cret"}`)
	if status != http.StatusOK || body["messageId"] != float64(1) {
		t.Fatalf("expected accepted send, got %d %v", status, body)
	}
}

func TestSecureChannelRequiresSenderName(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateSecureChannel("Vault", "pw")
	if err != nil {
		t.Fatalf("CreateSecureChannel failed: %v", err)
	}

	status, body := f.post(t, "/channel/"+channel.ID+"/send", "application/json", `{"message":"hi","password":"pw"}`)
	if status != http.StatusBadRequest || body["message"] != "Name is required" {
		t.Fatalf("unexpected response %d %v", status, body)
	}
}

func TestCreateSecureChannelNeedsPassword(t *testing.T) {
	f := newGatewayFixture(t)
	if _, err := f.gateway.CreateSecureChannel("Vault", ""); err == nil {
		t.Fatalf("expected error for empty password")
	}
	if len(f.gateway.Channels()) != 0 {
		t.Fatalf("channel should not be created")
	}
}

func TestAuthEndpoint(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateSecureChannel("Vault", "pw")
	if err != nil {
		t.Fatalf("CreateSecureChannel failed: %v", err)
	}
	path := "/channel/" + channel.ID + "/auth"

	status, body := f.post(t, path, "application/json", `{"userName":"","password":"pw"}`)
	if status != http.StatusBadRequest || body["message"] != "Name is required" {
		t.Fatalf("unexpected response for missing name %d %v", status, body)
	}

	status, body = f.post(t, path, "application/json", `{"userName":"Bob","password":"nope"}`)
	if status != http.StatusBadRequest || body["message"] != "Invalid password" {
		t.Fatalf("unexpected response for wrong password %d %v", status, body)
	}

	status, body = f.post(t, path, "application/x-www-form-urlencoded", "userName=Bob&password=pw")
	if status != http.StatusOK || body["success"] != true || body["message"] != "Authentication successful" {
		t.Fatalf("unexpected response for form auth %d %v", status, body)
	}
}

func TestSendAcceptsFormBody(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	status, body := f.post(t, "/channel/"+channel.ID+"/send", "application/x-www-form-urlencoded", "sender=Bob&message=hello+there")
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("unexpected response %d %v", status, body)
	}
	log := channel.Messages()
	if len(log) != 1 || log[0].Content != "hello there" {
		t.Fatalf("unexpected log: %+v", log)
	}
}

func TestChannelLogKeepsNewestHundred(t *testing.T) {
	channel, err := newChannel("abc", "Busy", DefaultChannelConfig(), time.Now())
	if err != nil {
		t.Fatalf("newChannel failed: %v", err)
	}

	for i := 0; i < 150; i++ {
		channel.Append("bob", "msg", "127.0.0.1", time.Now())
	}

	log := channel.Messages()
	if len(log) != MaxChannelLog {
		t.Fatalf("expected %d entries, got %d", MaxChannelLog, len(log))
	}
	if log[0].ID != 51 || log[len(log)-1].ID != 150 {
		t.Fatalf("expected ids 51..150, got %d..%d", log[0].ID, log[len(log)-1].ID)
	}
	if channel.MessageCount() != 150 {
		t.Fatalf("expected counter 150, got %d", channel.MessageCount())
	}
	if since := channel.MessagesSince(148); len(since) != 2 || since[0].ID != 149 {
		t.Fatalf("unexpected cursor result: %+v", since)
	}
}

func TestConcurrentAppendsKeepUniqueIDs(t *testing.T) {
	channel, err := newChannel("abc", "Busy", DefaultChannelConfig(), time.Now())
	if err != nil {
		t.Fatalf("newChannel failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 40; j++ {
				channel.Append("bob", "x", "", time.Now())
			}
		}()
	}
	wg.Wait()

	log := channel.Messages()
	if len(log) != MaxChannelLog {
		t.Fatalf("expected %d entries, got %d", MaxChannelLog, len(log))
	}
	for i := 1; i < len(log); i++ {
		if log[i].ID != log[i-1].ID+1 {
			t.Fatalf("ids not contiguous at %d: %d after %d", i, log[i].ID, log[i-1].ID)
		}
	}
	if log[len(log)-1].ID != 320 {
		t.Fatalf("expected last id 320, got %d", log[len(log)-1].ID)
	}
}

func TestTemporaryChannelExpires(t *testing.T) {
	previous := expiryUnit
	expiryUnit = 50 * time.Millisecond
	t.Cleanup(func() { expiryUnit = previous })

	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateTemporaryChannel("Popup", 1)
	if err != nil {
		t.Fatalf("CreateTemporaryChannel failed: %v", err)
	}
	if _, ok := f.registry.Get(channel.PeerID()); !ok {
		t.Fatalf("expected channel peer registered")
	}

	waitForCondition(t, 2*time.Second, func() bool {
		_, err := f.gateway.Channel(channel.ID)
		return errors.Is(err, ErrChannelNotFound)
	})

	resp, _ := f.get(t, "/channel/"+channel.ID+"/messages")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for expired channel, got %d", resp.StatusCode)
	}
	if _, ok := f.registry.Get(channel.PeerID()); ok {
		t.Fatalf("expected channel peer removed on expiry")
	}
}

func TestExpiredChannelIsAbsentBeforeTimerFires(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	current := base
	var mu sync.Mutex
	previous := now
	now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	t.Cleanup(func() { now = previous })

	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateTemporaryChannel("Popup", 5)
	if err != nil {
		t.Fatalf("CreateTemporaryChannel failed: %v", err)
	}

	mu.Lock()
	current = base.Add(4 * time.Minute)
	mu.Unlock()
	if _, err := f.gateway.Channel(channel.ID); err != nil {
		t.Fatalf("channel should still be active: %v", err)
	}

	mu.Lock()
	current = base.Add(5 * time.Minute)
	mu.Unlock()
	if _, err := f.gateway.Channel(channel.ID); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
	if len(f.gateway.Channels()) != 0 {
		t.Fatalf("expired channel still listed")
	}
}

func TestRemoveChannelDropsPeers(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	f.post(t, "/channel/"+channel.ID+"/send", "application/json", `{"sender":"Bob","message":"hi"}`)
	f.registry.Upsert(models.Peer{ID: "lan-peer", Address: "10.0.0.9", Port: 8080})

	if !f.gateway.RemoveChannel(channel.ID) {
		t.Fatalf("RemoveChannel returned false")
	}
	if f.gateway.RemoveChannel(channel.ID) {
		t.Fatalf("second RemoveChannel should report false")
	}
	if _, ok := f.registry.Get(channel.PeerID()); ok {
		t.Fatalf("channel peer still registered")
	}
	if _, ok := f.registry.Get(channel.PeerID() + "_Bob"); ok {
		t.Fatalf("sender peer still registered")
	}
	if _, ok := f.registry.Get("lan-peer"); !ok {
		t.Fatalf("unrelated peer removed")
	}

	resp, body := f.get(t, "/channel/"+channel.ID)
	if resp.StatusCode != http.StatusNotFound || !bytes.Contains(body, []byte("Channel Not Found")) {
		t.Fatalf("expected not-found page, got %d %s", resp.StatusCode, body)
	}
}

func TestHandleDesktopMessageMergesReply(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	f.gateway.HandleDesktopMessage(models.NewTextMessage("self", channel.PeerID()+"_Bob", "welcome"))
	f.gateway.HandleDesktopMessage(models.NewTextMessage("self", "peer-2", "ignored"))

	log := channel.Messages()
	if len(log) != 1 {
		t.Fatalf("expected one merged entry, got %+v", log)
	}
	if log[0].Sender != "Desk" || log[0].Content != "welcome" || log[0].ClientIP != "desktop" {
		t.Fatalf("unexpected merged entry: %+v", log[0])
	}
}

func TestOptionsPreflight(t *testing.T) {
	f := newGatewayFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/channel/any/send", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || len(body) != 0 {
		t.Fatalf("expected empty 200, got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing allow-origin header")
	}
	if resp.Header.Get("Access-Control-Max-Age") != "86400" {
		t.Fatalf("unexpected max-age %q", resp.Header.Get("Access-Control-Max-Age"))
	}
}

func TestEventsGreeting(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	resp, body := f.get(t, "/channel/"+channel.ID+"/events")
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	want := `data: {"channelName":"Lobby","type":"connected"}` + "\n\n"
	if string(body) != want {
		t.Fatalf("unexpected event stream %q", body)
	}
}

func TestStatusAndUnknownPaths(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	resp, raw := f.get(t, "/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from status, got %d", resp.StatusCode)
	}
	status := decodeBody(t, bytes.NewReader(raw))
	if status["service"] != "IP Channel Service" || status["activeChannels"] != float64(1) || status["publicIP"] != "10.0.0.5" {
		t.Fatalf("unexpected status: %v", status)
	}
	if !bytes.Contains(raw, []byte("http://10.0.0.5:8095/channel/"+channel.ID)) {
		t.Fatalf("status missing channel url: %s", raw)
	}

	resp, raw = f.get(t, "/nowhere")
	if resp.StatusCode != http.StatusNotFound || string(raw) != "404 Not Found" {
		t.Fatalf("unexpected unknown path response %d %q", resp.StatusCode, raw)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing allow-origin header on 404")
	}

	resp, raw = f.get(t, "/channel/"+channel.ID+"/chat")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(raw, []byte("Lobby")) {
		t.Fatalf("unexpected chat page %d", resp.StatusCode)
	}
}

func TestSendSucceedsWhenInjectFails(t *testing.T) {
	f := newGatewayFixture(t)
	f.injector.err = errors.New("history unavailable")
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	for want := 1; want <= 2; want++ {
		status, body := f.post(t, "/channel/"+channel.ID+"/send", "application/json", `{"sender":"Bob","message":"hi"}`)
		if status != http.StatusOK || body["success"] != true || body["messageId"] != float64(want) {
			t.Fatalf("unexpected response %d %v", status, body)
		}
	}

	log := channel.Messages()
	if len(log) != 2 || log[0].ID != 1 || log[1].ID != 2 {
		t.Fatalf("expected one log entry per accepted send, got %+v", log)
	}
	if len(f.injector.injected()) != 0 {
		t.Fatalf("failing injector should record nothing")
	}
}

func TestChannelPeerNotRegisteredAfterRemoval(t *testing.T) {
	f := newGatewayFixture(t)
	channel, err := f.gateway.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	bob := f.gateway.senderPeer(channel, "Bob")
	if !f.gateway.registerChannelPeer(channel.ID, bob) {
		t.Fatalf("expected registration on an active channel")
	}

	// A send that looked the channel up just before removal.
	if !f.gateway.RemoveChannel(channel.ID) {
		t.Fatalf("RemoveChannel returned false")
	}
	carol := f.gateway.senderPeer(channel, "Carol")
	if f.gateway.registerChannelPeer(channel.ID, carol) {
		t.Fatalf("expected registration on a removed channel to fail")
	}
	if _, ok := f.registry.Get(bob.ID); ok {
		t.Fatalf("sender peer survived removal")
	}
	if _, ok := f.registry.Get(carol.ID); ok {
		t.Fatalf("late sender peer registered for a removed channel")
	}
}

func TestCreateChannelRejectsTemporaryWithoutExpiry(t *testing.T) {
	f := newGatewayFixture(t)
	config := DefaultChannelConfig()
	config.Temporary = true
	if _, err := f.gateway.CreateChannel("Popup", config); err == nil {
		t.Fatalf("expected temporary channel without expiry to fail")
	}
	if _, err := f.gateway.CreateTemporaryChannel("Popup", 0); err == nil {
		t.Fatalf("expected CreateTemporaryChannel with zero minutes to fail")
	}
	if len(f.gateway.Channels()) != 0 {
		t.Fatalf("no channel should be open")
	}
}

func TestSendReachesRouterHistory(t *testing.T) {
	reg := registry.New(models.Peer{ID: "self", DisplayName: "Desk"}, nil)
	store, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	manager, err := network.NewPeerManager(network.PeerManagerOptions{Registry: reg})
	if err != nil {
		t.Fatalf("NewPeerManager failed: %v", err)
	}
	t.Cleanup(manager.Stop)
	r, err := router.New(router.Options{Registry: reg, Store: store, Connections: manager})
	if err != nil {
		t.Fatalf("router.New failed: %v", err)
	}

	gw, err := New(Options{Registry: reg, Injector: r})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.SetChannelSink(gw)
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	channel, err := gw.CreateChannel("Lobby", DefaultChannelConfig())
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	resp, err := http.Post(server.URL+"/channel/"+channel.ID+"/send", "application/json", strings.NewReader(`{"sender":"Bob","message":"hi"}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()

	history, err := r.History()
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || !history[0].Delivered || history[0].SenderID != channel.PeerID()+"_Bob" {
		t.Fatalf("unexpected history: %+v", history)
	}

	if _, err := r.Send(models.NewTextMessage("self", history[0].SenderID, "hello Bob")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	log := channel.Messages()
	if len(log) != 2 || log[1].Sender != "Desk" || log[1].Content != "hello Bob" {
		t.Fatalf("desktop reply not merged: %+v", log)
	}
}

func TestStartFailsWhenPortInUse(t *testing.T) {
	reg := registry.New(models.Peer{ID: "self"}, nil)
	first, err := New(Options{Registry: reg, Injector: &recordingInjector{}, ListenAddress: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := first.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = first.Stop(context.Background()) })

	second, err := New(Options{Registry: reg, Injector: &recordingInjector{}, ListenAddress: first.Addr().String()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := second.Start(); err == nil {
		_ = second.Stop(context.Background())
		t.Fatalf("expected bind error")
	}

	if _, err := first.CreateChannel("Lobby", DefaultChannelConfig()); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(first.Channels()) != 0 {
		t.Fatalf("Stop should clear channels")
	}
}
