package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"oraclebot/internal/backup"
	logx "oraclebot/pkg/logx"
)

// Catalog is the read side of the backup manager.
type Catalog interface {
	List() ([]backup.Entry, error)
	Stats() backup.Stats
}

type UserCounter interface {
	CountUsers(ctx context.Context) (int, error)
}

// WithBackups mounts GET /backups and adds backup counters to GET /status.
func WithBackups(c Catalog) Option { return func(s *Server) { s.backups = c } }

// WithUsers adds the registered user count to GET /status.
func WithUsers(u UserCounter) Option { return func(s *Server) { s.users = u } }

type backupList struct {
	Backups []backup.Entry `json:"backups"`
}

type statusView struct {
	ListenerStartedAt time.Time     `json:"listener_started_at"`
	Users             *int          `json:"users,omitempty"`
	UsersError        string        `json:"users_error,omitempty"`
	Backup            *backup.Stats `json:"backup,omitempty"`
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	list, err := s.backups.List()
	if err != nil {
		s.log.Warn("backup listing failed", logx.Err(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []backup.Entry{}
	}
	s.writeJSON(w, backupList{Backups: list})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	v := statusView{ListenerStartedAt: s.StartedAt()}
	if s.users != nil {
		if n, err := s.users.CountUsers(r.Context()); err != nil {
			v.UsersError = err.Error()
		} else {
			v.Users = &n
		}
	}
	if s.backups != nil {
		st := s.backups.Stats()
		// Counters only; the full history is what /backups is for.
		st.History = nil
		v.Backup = &st
	}
	s.writeJSON(w, v)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", logx.Err(err))
	}
}
