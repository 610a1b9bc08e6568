package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
)

const maxLineBytes = 16 << 20

// VerifyOptions tunes offline verification.
type VerifyOptions struct {
	// Seed, when set, pins seal signatures to the operator's key material.
	Seed []byte
	// RequireSeal fails verification when the last session is not sealed.
	RequireSeal bool
}

// Report is the outcome of re-deriving a ledger chain.
type Report struct {
	Valid           bool     `json:"valid"`
	Entries         uint64   `json:"entries"`
	Sessions        int      `json:"sessions"`
	Head            string   `json:"head"`
	Sealed          bool     `json:"sealed"`
	SignedSeals     int      `json:"signed_seals"`
	PendingIntent   string   `json:"pending_intent,omitempty"`
	OrphanedIntents []string `json:"orphaned_intents,omitempty"`
	BrokenAt        uint64   `json:"broken_at,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// VerifyFile verifies the ledger stored at path.
func VerifyFile(path string, opts VerifyOptions) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Verify(f, opts)
}

// Verify recomputes every hash and link in r. A broken chain is reported
// through Report.Valid and Report.BrokenAt; the error is reserved for read
// failures.
func Verify(r io.Reader, opts VerifyOptions) (*Report, error) {
	rep := &Report{Head: canonicalize.ZeroHash}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		i       uint64
		session string
		pending string
	)
	broken := func(format string, args ...any) (*Report, error) {
		rep.Valid = false
		rep.BrokenAt = i
		rep.Reason = fmt.Sprintf(format, args...)
		return rep, nil
	}

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			return broken("malformed entry at index %d: %v", i, err)
		}
		var stored string
		if err := json.Unmarshal(raw["hash"], &stored); err != nil || stored == "" {
			return broken("missing hash at index %d", i)
		}
		delete(raw, "hash")
		body, err := json.Marshal(raw)
		if err != nil {
			return broken("re-encode failed at index %d: %v", i, err)
		}
		canon, err := canonicalize.Transform(body)
		if err != nil {
			return broken("canonicalization failed at index %d: %v", i, err)
		}
		if computed := canonicalize.HashBytes(canon); computed != stored {
			return broken("integrity failure at index %d: computed %s, stored %s", i, computed, stored)
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return broken("malformed entry at index %d: %v", i, err)
		}
		if e.Index != i {
			return broken("index gap at position %d: entry claims %d", i, e.Index)
		}
		if e.PrevHash != rep.Head {
			if i == 0 {
				return broken("genesis entry has non-zero prev_hash")
			}
			return broken("chain broken at index %d: previous hash mismatch", i)
		}
		if i == 0 && e.Type != TypeSessionStart {
			return broken("genesis entry is %s, not %s", e.Type, TypeSessionStart)
		}
		if rep.Sealed && e.Type != TypeSessionStart {
			return broken("entry after seal at index %d", i)
		}
		if e.Type != TypeSessionStart && e.SessionID != session {
			return broken("session id changed mid-session at index %d", i)
		}

		switch {
		case e.Type == TypeSessionStart:
			if pending != "" {
				rep.OrphanedIntents = append(rep.OrphanedIntents, pending)
			}
			pending = ""
			session = e.SessionID
			rep.Sealed = false
			rep.Sessions++
		case e.Phase == PhaseIntent:
			if pending != "" {
				return broken("intent at index %d while %s is unresolved", i, pending)
			}
			pending = stored
		case e.Phase == PhaseEffect:
			if pending == "" {
				return broken("effect at index %d without pending intent", i)
			}
			if e.IntentRef != pending {
				return broken("effect at index %d references %s, pending is %s", i, e.IntentRef, pending)
			}
			pending = ""
		case e.Type == TypeSessionSeal:
			if pending != "" {
				return broken("seal at index %d while %s is unresolved", i, pending)
			}
			if sig, ok := e.Payload["signature"].(string); ok {
				head, _ := e.Payload["chain_head"].(string)
				if head != e.PrevHash {
					return broken("seal at index %d signs %s, chain head is %s", i, head, e.PrevHash)
				}
				pub, _ := e.Payload["public_key"].(string)
				if err := verifySeal(opts.Seed, e.SessionID, head, sig, pub); err != nil {
					return broken("seal at index %d: %v", i, err)
				}
				rep.SignedSeals++
			} else if len(opts.Seed) > 0 {
				return broken("seal at index %d is unsigned", i)
			}
			rep.Sealed = true
		}

		rep.Head = stored
		i++
		rep.Entries = i
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	rep.PendingIntent = pending
	if opts.RequireSeal && rep.Entries > 0 && !rep.Sealed {
		return broken("last session is not sealed")
	}
	rep.Valid = true
	return rep, nil
}
