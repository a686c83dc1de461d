package fsutil

import (
	"sync"

	"github.com/anacrolix/log"
)

// FsckClass distinguishes the two repair policies from the spec's
// error-handling design: counter mismatches are auto-fixed when
// unattended, structural-integrity breaks are fatal when unattended.
type FsckClass int

const (
	ClassCounterMismatch FsckClass = iota
	ClassStructuralIntegrity
)

// FsckPrompt asks whether to repair err. If Responder is nil (the
// common "unattended" case), the default policy applies: fix-and-continue
// for ClassCounterMismatch, fail for ClassStructuralIntegrity.
type FsckPrompt struct {
	Logger    log.Logger
	Responder func(class FsckClass, msg string, err error) (fix bool)

	mu      sync.Mutex
	fixed   int
	fatal   int
}

func NewFsckPrompt(logger log.Logger) *FsckPrompt {
	return &FsckPrompt{Logger: logger}
}

// Ask reports the inconsistency and returns whether the caller should
// repair and continue (true) or treat it as fatal (false).
func (p *FsckPrompt) Ask(class FsckClass, msg string, err error) bool {
	var fix bool
	if p.Responder != nil {
		fix = p.Responder(class, msg, err)
	} else {
		fix = class == ClassCounterMismatch
	}

	p.mu.Lock()
	if fix {
		p.fixed++
	} else {
		p.fatal++
	}
	p.mu.Unlock()

	if fix {
		p.Logger.Levelf(log.Warning, "fsck: repairing %s: %v", msg, err)
	} else {
		p.Logger.Levelf(log.Error, "fsck: fatal inconsistency %s: %v", msg, err)
	}
	return fix
}

// Stats returns the cumulative fixed/fatal counts.
func (p *FsckPrompt) Stats() (fixed, fatal int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fixed, p.fatal
}
