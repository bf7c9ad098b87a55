package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// User accounts are out of the replicated state machine entirely (spec's
// durable-SQL-schema is explicitly out of scope); this implementation
// keeps credentials in the same local C6 cache used for session tokens,
// seeded with a single default admin account. A multi-admin, durable user
// table is a real gap against a production console but is outside what
// spec asks this system to replicate.
const (
	userPwPrefix     = "user_pw:"
	defaultAdminUser = "admin"
	defaultAdminPass = "admin"
	sessionTTL       = 24 * time.Hour
)

// seedDefaultAdmin installs the default admin credentials if none are set
// yet. Called once from New.
func (s *Server) seedDefaultAdmin() {
	if _, ok := s.Cache.Get(userPwPrefix + defaultAdminUser); ok {
		return
	}
	_ = s.Cache.Set(userPwPrefix+defaultAdminUser, []byte(hashPassword(defaultAdminPass)), -1)
}

func hashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(ctx *fasthttp.RequestCtx) {
	var b loginBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	stored, ok := s.Cache.Get(userPwPrefix + b.Username)
	if !ok || string(stored) != hashPassword(b.Password) {
		s.fail(ctx, "invalid credentials")
		return
	}
	token := uuid.NewString()
	if err := s.Cache.Set(userTokenPrefix+token, []byte(b.Username), int64(sessionTTL.Seconds())); err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.ok(ctx, token)
}

type tokenBody struct {
	Token string `json:"token"`
}

func (s *Server) handleLogout(ctx *fasthttp.RequestCtx) {
	var b tokenBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	s.Cache.Remove(userTokenPrefix + b.Token)
	s.ok(ctx, nil)
}

type updatePasswordBody struct {
	Username    string `json:"username"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleUpdatePassword(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var b updatePasswordBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	if err := s.Cache.Set(userPwPrefix+b.Username, []byte(hashPassword(b.NewPassword)), -1); err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.ok(ctx, nil)
}
