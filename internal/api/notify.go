package api

import (
	"net/http"

	"github.com/ratnotify/notifyd/internal/domain"
	"github.com/ratnotify/notifyd/internal/notify"
)

// HandleNotify handles POST /v1/notify: a single NOTIFY issued and
// committed in its own transaction against req.PID's backend.
func (s *Server) HandleNotify(w http.ResponseWriter, r *http.Request) {
	var req domain.NotifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg := s.Engine.Config()
	s.runTxn(w, r, req.PID, func(txn *notify.Txn) error {
		return txn.Notify(cfg, req.Channel, req.Payload)
	})
}

// HandleBatchNotify handles POST /v1/notify/batch: every notification in
// the batch is issued inside one transaction, so per-transaction
// duplicate-suppression and PreCommit's single writer-mutex acquisition
// apply across the whole batch, exactly as a client issuing several NOTIFY
// statements before COMMIT would see.
func (s *Server) HandleBatchNotify(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchNotifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg := s.Engine.Config()
	s.runTxn(w, r, req.PID, func(txn *notify.Txn) error {
		for _, item := range req.Notifications {
			if err := txn.Notify(cfg, item.Channel, item.Payload); err != nil {
				return err
			}
		}
		return nil
	})
}
