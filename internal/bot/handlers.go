package bot

import (
	"context"
	"time"

	tele "gopkg.in/telebot.v4"

	"oraclebot/internal/storage"
	logx "oraclebot/pkg/logx"
)

const greeting = "Welcome! Send me a date of birth (DD.MM.YYYY) to get started."

func (r *Runtime) registerHandlers() {
	r.bot.Use(r.touchUser)
	r.bot.Handle("/start", r.onStart)
	r.bot.Handle(tele.OnText, func(tele.Context) error { return nil })
}

// touchUser records the sender of every handled update.
func (r *Runtime) touchUser(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if s := c.Sender(); s != nil && r.store != nil {
			ctx, cancel := context.WithTimeout(r.sup.Context(), 2*time.Second)
			err := r.store.TouchUser(ctx, storage.User{
				TelegramID: s.ID,
				Username:   s.Username,
				FirstName:  s.FirstName,
				LastName:   s.LastName,
				Language:   s.LanguageCode,
			})
			cancel()
			if err != nil {
				r.log.Warn("touch user failed", logx.Int64("user_id", s.ID), logx.Err(err))
			}
		}
		return next(c)
	}
}

func (r *Runtime) onStart(c tele.Context) error {
	if r.store != nil && c.Sender() != nil {
		_ = r.store.AppendAudit(r.sup.Context(), storage.AuditEntry{
			ActorID: c.Sender().ID,
			Action:  "command.start",
			OK:      true,
		})
	}
	return c.Send(greeting)
}
