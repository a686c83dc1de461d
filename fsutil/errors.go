// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package fsutil holds the error taxonomy, transaction-restart plumbing
// and fsck-prompt channel shared by the accounting and fs packages. It
// carries no dependency on either of them so that both can depend on it
// without a cycle.
package fsutil

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code is the internal error taxonomy from the spec's error-handling
// design. TransactionRestart and NeedMarkReplicas never escape a
// transaction boundary (see Retry); the rest are surfaced to callers
// and translated to a platform errno set at the VFS-adapter boundary
// (out of scope here; see ErrnoFor).
type Code int

const (
	CodeNone Code = iota
	CodeTransactionRestart
	CodeNeedMarkReplicas
	CodeOutOfMemory
	CodeNotFound
	CodeAlreadyExists
	CodeCrossDevice
	CodeNotEmpty
	CodeNotDir
	CodeReadonly
	CodeCorruption
	CodeInconsistency
	CodeFatalIO
	CodePermissionDenied
)

func (c Code) String() string {
	switch c {
	case CodeTransactionRestart:
		return "transaction-restart"
	case CodeNeedMarkReplicas:
		return "need-mark-replicas"
	case CodeOutOfMemory:
		return "out-of-memory"
	case CodeNotFound:
		return "not-found"
	case CodeAlreadyExists:
		return "already-exists"
	case CodeCrossDevice:
		return "cross-device"
	case CodeNotEmpty:
		return "not-empty"
	case CodeNotDir:
		return "not-dir"
	case CodeReadonly:
		return "readonly"
	case CodeCorruption:
		return "corruption"
	case CodeInconsistency:
		return "inconsistency"
	case CodeFatalIO:
		return "fatal-io"
	case CodePermissionDenied:
		return "permission-denied"
	default:
		return "none"
	}
}

// Error wraps Code with a message, and optionally an underlying cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, fsutil.ErrNotFound) style sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

func Wrap(code Code, msg string, err error) error {
	if err == nil {
		return New(code, msg)
	}
	return &Error{Code: code, Msg: msg, Err: pkgerrors.WithStack(err)}
}

// Sentinel values for errors.Is comparisons at call sites; only the
// Code is compared (see (*Error).Is).
var (
	ErrTransactionRestart = &Error{Code: CodeTransactionRestart, Msg: "transaction restart"}
	ErrNeedMarkReplicas   = &Error{Code: CodeNeedMarkReplicas, Msg: "replicas entry needs marking in superblock"}
	ErrOutOfMemory        = &Error{Code: CodeOutOfMemory, Msg: "allocation failed"}
	ErrNotFound           = &Error{Code: CodeNotFound, Msg: "not found"}
	ErrAlreadyExists      = &Error{Code: CodeAlreadyExists, Msg: "already exists"}
	ErrCrossDevice        = &Error{Code: CodeCrossDevice, Msg: "cross-subvolume operation rejected"}
	ErrNotEmpty           = &Error{Code: CodeNotEmpty, Msg: "directory not empty"}
	ErrNotDir             = &Error{Code: CodeNotDir, Msg: "not a directory"}
	ErrReadonly           = &Error{Code: CodeReadonly, Msg: "filesystem or subvolume is read-only"}
	ErrCorruption         = &Error{Code: CodeCorruption, Msg: "on-disk structure corrupt"}
	ErrInconsistency      = &Error{Code: CodeInconsistency, Msg: "counter mismatch"}
	ErrFatalIO            = &Error{Code: CodeFatalIO, Msg: "fatal I/O error"}
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied, Msg: "permission denied"}
)

// IsRestart reports whether err is an internal restart signal that must
// never be returned past a transaction boundary.
func IsRestart(err error) bool {
	return errors.Is(err, ErrTransactionRestart) || errors.Is(err, ErrNeedMarkReplicas)
}

// Errno is the platform file-system error-code set from the spec's
// external-interfaces section (§6). The VFS adapter that would
// translate these into actual syscall errno values is out of scope;
// this is the translation table it would consume.
type Errno string

const (
	ENOENT   Errno = "ENOENT"
	EEXIST   Errno = "EEXIST"
	EXDEV    Errno = "EXDEV"
	ENOTDIR  Errno = "ENOTDIR"
	ENOTEMPTY Errno = "ENOTEMPTY"
	EPERM    Errno = "EPERM"
	ENOSPC   Errno = "ENOSPC"
	EIO      Errno = "EIO"
	EROFS    Errno = "EROFS"
	ESTALE   Errno = "ESTALE"
)

// ErrnoFor translates an internal Code to the platform errno set. It
// panics on CodeTransactionRestart/CodeNeedMarkReplicas since those
// must never reach this boundary (see IsRestart).
func ErrnoFor(code Code) Errno {
	switch code {
	case CodeNotFound:
		return ENOENT
	case CodeAlreadyExists:
		return EEXIST
	case CodeCrossDevice:
		return EXDEV
	case CodeNotDir:
		return ENOTDIR
	case CodeNotEmpty:
		return ENOTEMPTY
	case CodeReadonly:
		return EROFS
	case CodeOutOfMemory:
		return ENOSPC
	case CodeFatalIO, CodeCorruption, CodeInconsistency:
		return EIO
	case CodePermissionDenied:
		return EPERM
	case CodeTransactionRestart, CodeNeedMarkReplicas:
		panic("fsutil: internal restart code reached the VFS boundary")
	default:
		return EIO
	}
}
