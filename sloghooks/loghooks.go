package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/dynacache"
	"github.com/unkn0wn-root/dynacache/internal/util"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	ExpiredReadEvery uint64
	SelfHealEvery    uint64
	// Optional key redactor. Defaults to an xxh3 fingerprint.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	expiredCtr  atomic.Uint64
	selfHealCtr atomic.Uint64
}

var _ dynacache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return util.Fingerprint(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) ExpiredRead(storageKey string) {
	if h.l == nil || !sample(h.opts.ExpiredReadEvery, &h.expiredCtr) {
		return
	}
	h.l.Debug("dynacache.expired_read", "key", h.redact(storageKey))
}

func (h *Hooks) DanglingPointer(storageKey, blobKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("dynacache.dangling_pointer",
		"key", h.redact(storageKey),
		"blob_key", h.redact(blobKey))
}

func (h *Hooks) SelfHeal(storageKey, reason string, err error) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	if err != nil {
		h.l.Warn("dynacache.self_heal_failed",
			"key", h.redact(storageKey),
			"reason", reason,
			"err", err)
		return
	}
	h.l.Debug("dynacache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) OrphanedBlob(storageKey, blobKey string, cause error) {
	if h.l == nil {
		return
	}
	h.l.Warn("dynacache.orphaned_blob",
		"key", h.redact(storageKey),
		"blob_key", h.redact(blobKey),
		"err", cause)
}

func (h *Hooks) BatchFailure(op string, requested, failed int) {
	if h.l == nil {
		return
	}
	h.l.Info("dynacache.batch_failure",
		"op", op,
		"requested", requested,
		"failed", failed)
}

func (h *Hooks) ClientOpened(kind string) {
	if h.l == nil {
		return
	}
	h.l.Debug("dynacache.client_opened", "kind", kind)
}
