// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package consumer // import "go.opentelemetry.io/ust-consumer/consumer"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"go.opentelemetry.io/ust-consumer/fdhandle"
	"go.opentelemetry.io/ust-consumer/registry"
	"go.opentelemetry.io/ust-consumer/relayd"
	"go.opentelemetry.io/ust-consumer/sessiondcomm"
)

// ServeCommands handles commands from conn until the session daemon sends
// STOP, Stop is called or the connection is lost. Failures of individual
// commands are logged and do not end the loop.
func (c *Consumer) ServeCommands(conn *sessiondcomm.Conn) error {
	for !c.Quitting() {
		if err := conn.WaitReadable(c.quit.ReadFd()); err != nil {
			switch {
			case errors.Is(err, sessiondcomm.ErrQuit):
				return nil
			case errors.Is(err, sessiondcomm.ErrHangup):
				return fmt.Errorf("%w: %w", ErrConnectionLost, err)
			default:
				return err
			}
		}
		stop, err := c.RecvCmd(conn)
		if stop {
			log.Info("Received STOP from session daemon")
			return nil
		}
		if errors.Is(err, ErrConnectionLost) {
			return err
		}
		if err != nil {
			log.Errorf("Command failed: %v", err)
		}
	}
	return nil
}

// RecvCmd reads and handles one command from conn. stop is true for STOP.
// Every other command, failed or not, posts one wakeup to the poll loop.
func (c *Consumer) RecvCmd(conn *sessiondcomm.Conn) (stop bool, err error) {
	cmd, err := conn.RecvMessage()
	if err != nil {
		if errors.Is(err, sessiondcomm.ErrShortMessage) {
			c.sendError(sessiondcomm.CodeErrorRecvCmd)
			return false, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		// A well-sized message with a bad payload only loses that command,
		// but its descriptors still have to leave the socket.
		c.counters.commandsReceived.Add(1)
		c.counters.commandsFailed.Add(1)
		defer c.notifyPollLoop()
		var perr *sessiondcomm.PayloadError
		if errors.As(err, &perr) && sessiondcomm.NumFds(perr.Kind) > 0 {
			if fds, ferr := c.recvFds(conn, perr.Kind); ferr == nil {
				closeAll(fds)
			} else {
				err = multierr.Append(err, ferr)
			}
		}
		return false, err
	}
	c.counters.commandsReceived.Add(1)

	if cmd.Kind() == sessiondcomm.KindStop {
		return true, nil
	}
	defer c.notifyPollLoop()

	switch cmd := cmd.(type) {
	case sessiondcomm.AddRelaydSocket:
		err = c.addRelaydSocket(conn, &cmd)
	case sessiondcomm.AddChannel:
		err = c.addChannel(conn, &cmd)
	case sessiondcomm.AddStream:
		err = c.addStream(conn, &cmd)
	case sessiondcomm.UpdateStream:
		err = fmt.Errorf("UPDATE_STREAM for stream %d: %w", cmd.StreamKey, ErrNotImplemented)
	default:
		log.Warnf("Ignoring unknown command %s", cmd.Kind())
	}
	if err != nil {
		c.counters.commandsFailed.Add(1)
	}
	return false, err
}

// recvFds waits for the descriptors announced by a command and receives them.
func (c *Consumer) recvFds(conn *sessiondcomm.Conn, kind sessiondcomm.CommandKind) (
	[]*fdhandle.Handle, error) {
	if err := conn.WaitReadable(c.quit.ReadFd()); err != nil {
		if errors.Is(err, sessiondcomm.ErrHangup) {
			return nil, fmt.Errorf("%s: %w: %w", kind, ErrConnectionLost, err)
		}
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	fds, err := conn.RecvFds(sessiondcomm.NumFds(kind))
	if err != nil {
		c.sendError(sessiondcomm.CodeErrorRecvFd)
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return fds, nil
}

func closeAll(fds []*fdhandle.Handle) {
	for _, fd := range fds {
		_ = fd.Close()
	}
}

func (c *Consumer) addRelaydSocket(conn *sessiondcomm.Conn, cmd *sessiondcomm.AddRelaydSocket) error {
	peer, loaded, err := c.relays.LoadOrInsert(cmd.NetIndex, func() (*relayd.Peer, error) {
		return relayd.NewPeer(cmd.NetIndex, c.read), nil
	})
	if err != nil {
		return err
	}

	fds, err := c.recvFds(conn, cmd.Kind())
	if err != nil {
		if !loaded {
			_, _ = c.relays.Remove(cmd.NetIndex)
			_ = peer.Close()
		}
		return fmt.Errorf("relay %d %s socket: %w", cmd.NetIndex, cmd.SocketKind, err)
	}
	if err := peer.SetSocket(cmd.SocketKind, cmd.Sock, fds[0]); err != nil {
		closeAll(fds)
		return err
	}
	log.Infof("Relay %d: %s socket installed (control fd %d, data fd %d)",
		cmd.NetIndex, cmd.SocketKind, peer.ControlFd(), peer.DataFd())
	return nil
}

func (c *Consumer) addChannel(conn *sessiondcomm.Conn, cmd *sessiondcomm.AddChannel) error {
	fds, err := c.recvFds(conn, cmd.Kind())
	if err != nil {
		return fmt.Errorf("channel %d: %w", cmd.ChannelKey, err)
	}

	ch := NewChannel(cmd.ChannelKey, fds[0], cmd.MmapLen, cmd.MaxSubbufSize)
	if _, exists := c.channels.Lookup(ch.Key); exists {
		_ = ch.ShmFd.Close()
		return fmt.Errorf("channel %d: %w", ch.Key, registry.ErrExists)
	}
	if err := c.AllocateChannel(ch); err != nil {
		_ = c.DestroyChannel(ch)
		return err
	}

	if c.onRecvChannel != nil {
		accept, err := c.onRecvChannel(ch)
		if err != nil || !accept {
			derr := c.DestroyChannel(ch)
			if err != nil {
				return multierr.Append(fmt.Errorf("channel %d rejected: %w", ch.Key, err), derr)
			}
			log.Warnf("Channel %d declined", ch.Key)
			return derr
		}
	}

	if err := c.channels.InsertUnique(ch.Key, ch); err != nil {
		_ = c.DestroyChannel(ch)
		return fmt.Errorf("channel %d: %w", ch.Key, err)
	}
	log.Infof("Added channel %d (mmap len %d, max sub-buffer %d)",
		ch.Key, ch.MmapLen, ch.MaxSubbufSize)
	return nil
}

func (c *Consumer) addStream(conn *sessiondcomm.Conn, cmd *sessiondcomm.AddStream) error {
	// Descriptors go first so the socket never holds stale rights.
	fds, err := c.recvFds(conn, cmd.Kind())
	if err != nil {
		return fmt.Errorf("stream %d: %w", cmd.StreamKey, err)
	}

	if cmd.Output != sessiondcomm.OutputMmap {
		closeAll(fds)
		return fmt.Errorf("stream %d: %s: %w", cmd.StreamKey, cmd.Output, ErrUnsupportedOutput)
	}
	ch, ok := c.channels.Lookup(cmd.ChannelKey)
	if !ok {
		closeAll(fds)
		return fmt.Errorf("stream %d: channel %d: %w", cmd.StreamKey, cmd.ChannelKey,
			ErrUnknownChannel)
	}
	if _, exists := c.streams.Lookup(cmd.StreamKey); exists {
		closeAll(fds)
		return fmt.Errorf("stream %d: %w", cmd.StreamKey, registry.ErrExists)
	}

	s := NewStream(cmd, ch, fds[0], fds[1])
	if err := c.AllocateStream(s); err != nil {
		return multierr.Append(err, c.DestroyStream(s))
	}

	if s.Networked() {
		if err := c.registerWithRelay(s); err != nil {
			return multierr.Append(err, c.DestroyStream(s))
		}
	}

	if c.onRecvStream != nil {
		accept, err := c.onRecvStream(s)
		if err != nil || !accept {
			derr := c.DestroyStream(s)
			if err != nil {
				return multierr.Append(fmt.Errorf("stream %d rejected: %w", s.Key, err), derr)
			}
			log.Warnf("Stream %d declined", s.Key)
			return derr
		}
	}

	if err := c.streams.InsertUnique(s.Key, s); err != nil {
		_ = c.DestroyStream(s)
		return fmt.Errorf("stream %d: %w", s.Key, err)
	}
	log.Infof("Added stream %d %q of channel %d on cpu %d (relay %d, metadata %v)",
		s.Key, s.Name, ch.Key, s.CPU, s.NetSeqIdx, s.MetadataFlag)
	return nil
}

func (c *Consumer) registerWithRelay(s *Stream) error {
	peer, ok := c.relays.Lookup(s.NetSeqIdx)
	if !ok {
		return fmt.Errorf("stream %d: relay %d: %w", s.Key, s.NetSeqIdx, ErrUnknownRelay)
	}
	name := s.Name
	if name == "" {
		name = fmt.Sprintf("stream_%d_%s", s.Key, c.id)
	}
	id, err := peer.AddStream(name, s.PathName)
	if err != nil {
		return fmt.Errorf("stream %d: %w", s.Key, err)
	}

	s.mu.Lock()
	s.RelaydStreamID = id
	s.relayRegistered = true
	s.mu.Unlock()
	return nil
}
