// Package web exposes the LINE webhook endpoint. Each delivery is parsed
// and signature-verified by the SDK, every event is run through the state
// machine, and decided replies are sent back through the Messaging API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/example/zoombot/internal/bot"
)

type Server struct {
	Bot           *bot.Handler
	Client        *messaging_api.MessagingApiAPI
	ChannelSecret string
	Logger        *slog.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/webhook", s.handleWebhook)

	return mux
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	log := s.Logger.With("request_id", uuid.NewString())

	cb, err := webhook.ParseRequest(s.ChannelSecret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			log.Warn("webhook: invalid signature")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Error("webhook: parse request failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for _, event := range cb.Events {
		reply, err := s.Bot.HandleEvent(r.Context(), event)
		if err != nil {
			log.Error("webhook: event failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if reply == nil {
			continue
		}
		if _, err := s.Client.ReplyMessage(&messaging_api.ReplyMessageRequest{
			ReplyToken: reply.ReplyToken,
			Messages:   reply.Messages,
		}); err != nil {
			log.Error("webhook: reply failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func Start(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
