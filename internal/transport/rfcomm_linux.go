//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// RFCOMM is a Bluetooth Classic serial-port-profile socket.
type RFCOMM struct {
	address string
	channel uint8
	opts    Options
	log     *zap.Logger

	mu   sync.Mutex
	file *os.File
}

func NewRFCOMM(address string, opts Options) (Transport, error) {
	if _, err := parseMAC(address); err != nil {
		return nil, err
	}
	ch := opts.Channel
	if ch == 0 {
		ch = 1
	}
	return &RFCOMM{
		address: address,
		channel: ch,
		opts:    opts,
		log:     opts.logger().Named("rfcomm").With(zap.String("address", address), zap.Uint8("channel", ch)),
	}, nil
}

// parseMAC reads "AA:BB:CC:DD:EE:FF" into the little-endian order the
// kernel expects in sockaddr_rc.
func parseMAC(s string) ([6]uint8, error) {
	var out [6]uint8
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("transport: bad bluetooth address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("transport: bad bluetooth address %q", s)
		}
		out[5-i] = uint8(v)
	}
	return out, nil
}

func (r *RFCOMM) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return nil
	}
	addr, err := parseMAC(r.address)
	if err != nil {
		return opErr(KindBluetoothClassic, "open", err)
	}
	// Non-blocking from the start: connect(2) returns EINPROGRESS and the
	// page timeout is waited out under ctx. The runtime poller also needs it
	// for read deadlines.
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return opErr(KindBluetoothClassic, "open", fmt.Errorf("socket: %w", err))
	}
	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: r.channel})
	if errors.Is(err, unix.EINPROGRESS) {
		err = waitConnect(ctx, fd)
	}
	if err != nil {
		unix.Close(fd)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return opErr(KindBluetoothClassic, "open", ctxErr)
		}
		return opErr(KindBluetoothClassic, "open", fmt.Errorf("connect: %w", err))
	}
	r.file = os.NewFile(uintptr(fd), "rfcomm:"+r.address)
	r.log.Info("connected")
	return nil
}

// waitConnect polls a non-blocking fd for writability in pollInterval slices
// until the pending connect settles or ctx ends.
func waitConnect(ctx context.Context, fd int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := pollInterval
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < wait {
				wait = left
			}
		}
		ms := int(wait / time.Millisecond)
		if ms < 1 {
			ms = 1
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

func (r *RFCOMM) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return opErr(KindBluetoothClassic, "close", err)
	}
	return nil
}

func (r *RFCOMM) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

func (r *RFCOMM) current() *os.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file
}

func (r *RFCOMM) Write(ctx context.Context, p []byte) error {
	f := r.current()
	if f == nil {
		return closedErr(KindBluetoothClassic, "write")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = f.SetWriteDeadline(dl)
	}
	r.log.Debug("tx", zap.ByteString("data", p))
	if _, err := f.Write(p); err != nil {
		return opErr(KindBluetoothClassic, "write", err)
	}
	return nil
}

func (r *RFCOMM) Read(ctx context.Context, max int) ([]byte, error) {
	f := r.current()
	if f == nil {
		return nil, closedErr(KindBluetoothClassic, "read")
	}
	buf, err := readStream(ctx, deadlineChunks{f}, max, r.opts.idle(), r.opts.Complete)
	if len(buf) > 0 {
		r.log.Debug("rx", zap.ByteString("data", buf))
	}
	if err != nil {
		return buf, wrapReadErr(KindBluetoothClassic, err)
	}
	return buf, nil
}
