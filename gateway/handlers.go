package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"p2pchat/metrics"
	"p2pchat/models"
)

const maxBodySize = 64 * 1024

var senderKeyPattern = regexp.MustCompile(`[^a-zA-Z0-9]`)

// channelRequest carries the fields of /auth and /send bodies.
type channelRequest struct {
	UserName string `json:"userName"`
	Sender   string `json:"sender"`
	Message  string `json:"message"`
	Password string `json:"password"`
}

type channelSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	RequireAuth  bool   `json:"requireAuth"`
	Temporary    bool   `json:"temporary"`
	MessageCount int64  `json:"messageCount"`
	CreatedAt    int64  `json:"createdAt"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// Handler builds the HTTP routes served by the gateway.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(g.logger))
	r.Use(chimw.Recoverer)

	// Browsers load channel pages from anywhere.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))
	r.Use(openAccess)

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", g.handleStatus)
	r.Get("/status", g.handleStatus)

	r.Route("/channel/{id}", func(r chi.Router) {
		r.Get("/", g.handleLoginPage)
		r.Get("/chat", g.handleChatPage)
		r.Get("/messages", g.handleMessages)
		r.Get("/events", g.handleEvents)
		r.Post("/auth", g.handleAuth)
		r.Post("/send", g.handleSend)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusNotFound, "404 Not Found")
	})

	return r
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	channels := g.Channels()
	summaries := make([]channelSummary, 0, len(channels))
	for _, channel := range channels {
		summary := channelSummary{
			ID:           channel.ID,
			Name:         channel.Name,
			URL:          g.ChannelURL(channel.ID),
			RequireAuth:  channel.Config.RequireAuth,
			Temporary:    channel.Config.Temporary,
			MessageCount: channel.MessageCount(),
			CreatedAt:    channel.CreatedAt.UnixMilli(),
		}
		if expiresAt, ok := channel.ExpiresAt(); ok {
			summary.ExpiresAt = expiresAt.UnixMilli()
		}
		summaries = append(summaries, summary)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":        "IP Channel Service",
		"activeChannels": len(summaries),
		"publicIP":       g.publicHost,
		"port":           g.port,
		"channels":       summaries,
	})
}

func (g *Gateway) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	channel, ok := g.channelOrNotFoundPage(w, r)
	if !ok {
		return
	}
	renderPage(w, loginPage, channel)
}

func (g *Gateway) handleChatPage(w http.ResponseWriter, r *http.Request) {
	channel, ok := g.channelOrNotFoundPage(w, r)
	if !ok {
		return
	}
	renderPage(w, chatPage, channel)
}

// handleMessages returns the channel log. An optional "since" query value
// limits the result to entries after that cursor.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	channel, ok := g.channelOrNotFound(w, r)
	if !ok {
		return
	}

	messages := channel.Messages()
	if raw := r.URL.Query().Get("since"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "Invalid cursor")
			return
		}
		messages = channel.MessagesSince(cursor)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"messages":    messages,
		"channelName": channel.Name,
	})
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	channel, ok := g.channelOrNotFound(w, r)
	if !ok {
		return
	}

	greeting, err := json.Marshal(map[string]string{
		"type":        "connected",
		"channelName": channel.Name,
	})
	if err != nil {
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "data: %s\n\n", greeting)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (g *Gateway) handleAuth(w http.ResponseWriter, r *http.Request) {
	channel, ok := g.channelOrNotFound(w, r)
	if !ok {
		return
	}

	req, err := decodeChannelRequest(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.UserName) == "" {
		writeFailure(w, http.StatusBadRequest, "Name is required")
		return
	}
	if !channel.CheckPassword(req.Password) {
		metrics.AuthFailures.Inc()
		g.logger.Info("channel auth rejected", zap.String("channel_id", channel.ID), zap.String("client_ip", clientIP(r)))
		writeFailure(w, http.StatusBadRequest, "Invalid password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Authentication successful",
	})
}

// handleSend validates a browser post, records it in the channel log and
// hands it to the message pipeline as a message from a virtual peer.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	channel, ok := g.channelOrNotFound(w, r)
	if !ok {
		return
	}

	req, err := decodeChannelRequest(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	content := strings.TrimSpace(req.Message)
	if content == "" {
		writeFailure(w, http.StatusBadRequest, "Message content is required")
		return
	}
	if !channel.CheckPassword(req.Password) {
		metrics.AuthFailures.Inc()
		g.logger.Info("channel send rejected", zap.String("channel_id", channel.ID), zap.String("client_ip", clientIP(r)))
		writeFailure(w, http.StatusBadRequest, "Invalid password")
		return
	}

	sender := strings.TrimSpace(req.Sender)
	if sender == "" {
		if !channel.Config.AllowAnonymous {
			writeFailure(w, http.StatusBadRequest, "Name is required")
			return
		}
		sender = "Anonymous"
	}

	peer := g.senderPeer(channel, sender)
	if !g.registerChannelPeer(channel.ID, peer) {
		writeFailure(w, http.StatusNotFound, "Channel not found")
		return
	}

	message := models.NewTextMessage(peer.ID, g.registry.Local().ID, content)
	ip := clientIP(r)
	entry := channel.Append(sender, content, ip, message.Time())
	metrics.ChannelMessages.WithLabelValues("web").Inc()
	g.logChannelMessage(channel, entry)

	// The entry is already logged, so a failed hand-off still answers success.
	if err := g.injector.InjectExternal(message); err != nil {
		g.logger.Error("inject channel message",
			zap.String("channel_id", channel.ID),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Message sent successfully",
		"timestamp": message.Timestamp,
		"messageId": entry.ID,
	})
}

func (g *Gateway) senderPeer(channel *Channel, sender string) models.Peer {
	key := senderKeyPattern.ReplaceAllString(sender, "")
	if key == "" {
		key = "Anonymous"
	}
	return models.Peer{
		ID:          channel.PeerID() + "_" + key,
		Username:    sender,
		DisplayName: sender + " (via " + channel.Name + ")",
		Address:     models.VirtualAddress,
		Port:        0,
		Status:      models.PeerStatusOnline,
	}
}

func (g *Gateway) channelOrNotFound(w http.ResponseWriter, r *http.Request) (*Channel, bool) {
	channel, err := g.Channel(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, http.StatusNotFound, "Channel not found")
		return nil, false
	}
	return channel, true
}

func (g *Gateway) channelOrNotFoundPage(w http.ResponseWriter, r *http.Request) (*Channel, bool) {
	channel, err := g.Channel(chi.URLParam(r, "id"))
	if err != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, notFoundPage)
		return nil, false
	}
	return channel, true
}

// decodeChannelRequest accepts JSON bodies and form-encoded bodies.
func decodeChannelRequest(r *http.Request) (channelRequest, error) {
	var req channelRequest

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return req, err
	}
	if len(body) > maxBodySize {
		return req, errors.New("request body too large")
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return req, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		err := json.Unmarshal([]byte(trimmed), &req)
		return req, err
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return req, err
	}
	req.UserName = values.Get("userName")
	req.Sender = values.Get("sender")
	req.Message = values.Get("message")
	req.Password = values.Get("password")
	return req, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}
