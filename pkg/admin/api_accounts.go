package admin

import (
	"log"
	"net/http"
)

// handleAccountList handles GET /api/accounts
func (a *Admin) handleAccountList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": a.controller.ListAccounts(),
	})
}

// handleAccountGet handles GET /api/accounts/{name}
func (a *Admin) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	detail, err := a.controller.Account(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleAccountDelete handles DELETE /api/accounts/{name}
func (a *Admin) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.controller.DeleteAccount(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("admin: account %q deleted from %s", name, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleAccountBan handles POST /api/accounts/{name}/ban
func (a *Admin) handleAccountBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int `json:"seconds"` // 0 = indefinite
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Seconds < 0 {
		writeError(w, http.StatusBadRequest, "ban duration cannot be negative")
		return
	}

	name := r.PathValue("name")
	if err := a.controller.BanAccount(name, req.Seconds); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("admin: account %q banned for %ds from %s", name, req.Seconds, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

// handleAccountUnban handles POST /api/accounts/{name}/unban
func (a *Admin) handleAccountUnban(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.controller.UnbanAccount(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("admin: account %q unbanned from %s", name, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
}

// handleAccountWatch handles POST /api/accounts/{name}/watch
func (a *Admin) handleAccountWatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Watched bool `json:"watched"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := a.controller.SetWatched(r.PathValue("name"), req.Watched); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAccountClearFingerprints handles POST /api/accounts/{name}/clear-fingerprints
func (a *Admin) handleAccountClearFingerprints(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.controller.ClearFingerprints(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("admin: fingerprints cleared for %q from %s", name, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleAccountAccess handles POST /api/accounts/{name}/access
func (a *Admin) handleAccountAccess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	name := r.PathValue("name")
	if err := a.controller.SetAccessLevel(name, req.Level); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Printf("admin: access level of %q set to %s from %s", name, req.Level, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAccountResetToken handles POST /api/accounts/{name}/reset-token
func (a *Admin) handleAccountResetToken(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	token, err := a.controller.IssueResetToken(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("admin: reset token issued for %q from %s", name, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "token": token})
}

// handleStatus handles GET /api/status
func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.controller.Status())
}
