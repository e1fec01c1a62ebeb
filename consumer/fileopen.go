// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package consumer // import "go.opentelemetry.io/ust-consumer/consumer"

import (
	"errors"
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// traceFileMode is intersected with the process umask by open(2).
const traceFileMode = 0o777

// OpenAsOwner creates or truncates path write-only with the permission checks
// and ownership of uid/gid. When they differ from the consumer's credentials
// the open runs under the owner's filesystem uid and gid, so a file the owner
// could not open is never touched.
func OpenAsOwner(path string, uid, gid uint32) (int, error) {
	if int(uid) == unix.Geteuid() && int(gid) == unix.Getegid() {
		return openTraceFile(path)
	}
	fd := -1
	err := asFsOwner(int(uid), int(gid), func() error {
		var err error
		fd, err = openTraceFile(path)
		return err
	})
	if err != nil {
		return -1, fmt.Errorf("as %d:%d: %w", uid, gid, err)
	}
	return fd, nil
}

func openTraceFile(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC,
			traceFileMode)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("failed to open trace file %s: %w", path, err)
		}
		return fd, nil
	}
}

// asFsOwner runs fn on the calling thread with its filesystem uid and gid
// switched to uid/gid. If the previous credentials can't be restored the
// thread stays locked and exits with the goroutine.
func asFsOwner(uid, gid int, fn func() error) error {
	runtime.LockOSThread()

	prevGid, err := setFsgid(gid)
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	prevUid, err := setFsuid(uid)
	if err == nil {
		err = fn()
		if _, rerr := setFsuid(prevUid); rerr != nil {
			log.Errorf("Failed to restore fsuid %d: %v", prevUid, rerr)
			return err
		}
	}
	if _, rerr := setFsgid(prevGid); rerr != nil {
		log.Errorf("Failed to restore fsgid %d: %v", prevGid, rerr)
		return err
	}
	runtime.UnlockOSThread()
	return err
}

// setFsuid switches the thread's filesystem uid and returns the previous one.
// setfsuid(2) does not report every failure, so the result is read back.
func setFsuid(uid int) (int, error) {
	prev, err := unix.SetfsuidRetUid(uid)
	if err != nil {
		return prev, fmt.Errorf("setfsuid %d: %w", uid, err)
	}
	if cur, _ := unix.SetfsuidRetUid(-1); cur != uid {
		return prev, fmt.Errorf("setfsuid %d: %w", uid, unix.EPERM)
	}
	return prev, nil
}

// setFsgid is setFsuid for the filesystem gid.
func setFsgid(gid int) (int, error) {
	prev, err := unix.SetfsgidRetGid(gid)
	if err != nil {
		return prev, fmt.Errorf("setfsgid %d: %w", gid, err)
	}
	if cur, _ := unix.SetfsgidRetGid(-1); cur != gid {
		return prev, fmt.Errorf("setfsgid %d: %w", gid, unix.EPERM)
	}
	return prev, nil
}
