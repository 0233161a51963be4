package www

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const sessionName = "sortarm_session"

type sessionStore struct {
	store *sessions.CookieStore
}

func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	cs := sessions.NewCookieStore(key)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 60 * 60, // 7 days
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: cs}
}

func (s *sessionStore) get(r *http.Request) *sessions.Session {
	sess, _ := s.store.Get(r, sessionName)
	return sess
}

func (s *sessionStore) getUser(r *http.Request) (username string, ok bool) {
	sess := s.get(r)
	u, exists := sess.Values["username"]
	if !exists {
		return "", false
	}
	username, ok = u.(string)
	return
}

func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username string) {
	sess := s.get(r)
	sess.Values["username"] = username
	sess.Save(r, w)
}

func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) {
	sess := s.get(r)
	delete(sess.Values, "username")
	sess.Options.MaxAge = -1
	sess.Save(r, w)
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// handleLogin authenticates against the admin_users table. The first login
// on an empty table creates the admin account.
func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	db := h.engine.DB()
	if db == nil {
		writeError(w, http.StatusServiceUnavailable, "no database")
		return
	}
	exists, _ := db.AdminUserExists()
	if !exists {
		hash, err := hashPassword(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if _, err := db.CreateAdminUser(req.Username, hash); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create admin user")
			return
		}
		h.sessions.setUser(w, r, req.Username)
		writeJSON(w, map[string]string{"status": "ok", "username": req.Username})
		return
	}

	user, err := db.GetAdminUser(req.Username)
	if err != nil || !checkPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	h.sessions.setUser(w, r, req.Username)
	writeJSON(w, map[string]string{"status": "ok", "username": req.Username})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	username, ok := h.sessions.getUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "new password required")
		return
	}

	db := h.engine.DB()
	if db == nil {
		writeError(w, http.StatusServiceUnavailable, "no database")
		return
	}
	user, err := db.GetAdminUser(username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user not found")
		return
	}
	if !checkPassword(req.OldPassword, user.PasswordHash) {
		writeError(w, http.StatusBadRequest, "current password is incorrect")
		return
	}

	hash, err := hashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := db.UpdateAdminPassword(username, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update password")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
