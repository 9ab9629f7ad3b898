package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"qrkeeper/internal/common"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/msgx"
)

const (
	dialRetryInterval = 50 * time.Millisecond
	handshakeTimeout  = 5 * time.Second
	stopGracePeriod   = 3 * time.Second
)

// SelfVersion hashes the current executable, the version a worker binary
// announces on handshake.
func SelfVersion() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("worker: self version: %w", err)
	}
	return hashFile(exe)
}

// processSession is a Session backed by a spawned worker process.
type processSession struct {
	cmd     *exec.Cmd
	conn    *msgx.Conn
	version string
	done    chan struct{}
}

func (s *processSession) Conn() *msgx.Conn      { return s.conn }
func (s *processSession) Version() string       { return s.version }
func (s *processSession) Wait() <-chan struct{} { return s.done }

// Stop closes the connection and terminates the process, escalating to
// SIGKILL after a grace period.
func (s *processSession) Stop() error {
	_ = s.conn.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(stopGracePeriod):
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
	return nil
}

// NewProcessFactory starts worker binaries. Each call spawns a fresh
// process on its own socket (derived from socketPath), dials it, and
// waits for the version handshake. Separate sockets let a waiting
// instance run alongside the active one during an update.
func NewProcessFactory(binaryPath, socketPath string, logger logging.Logger) SessionFactory {
	var seq atomic.Uint64
	return func(ctx context.Context) (Session, error) {
		sock := fmt.Sprintf("%s.%d", socketPath, seq.Add(1))
		cmd := exec.Command(binaryPath, "-socket", sock)
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("worker: start %s: %w", binaryPath, err)
		}
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()

		nc, err := dialSocket(ctx, sock, done)
		if err != nil {
			_ = cmd.Process.Kill()
			<-done
			return nil, err
		}

		versionCh := make(chan string, 1)
		conn := msgx.NewConn(nc, logger, msgx.WithBroadcast(msgx.TypeOfflineReady, func(data json.RawMessage) {
			var p msgx.OfflineReadyPayload
			if err := json.Unmarshal(data, &p); err == nil {
				select {
				case versionCh <- p.Version:
				default:
				}
			}
		}))

		select {
		case version := <-versionCh:
			return &processSession{cmd: cmd, conn: conn, version: version, done: done}, nil
		case <-done:
			_ = conn.Close()
			return nil, fmt.Errorf("worker: exited before handshake")
		case <-time.After(handshakeTimeout):
			_ = conn.Close()
			_ = cmd.Process.Kill()
			<-done
			return nil, fmt.Errorf("worker: handshake: %w", common.ErrTimeout)
		case <-ctx.Done():
			_ = conn.Close()
			_ = cmd.Process.Kill()
			<-done
			return nil, ctx.Err()
		}
	}
}

// dialSocket retries until the freshly started worker binds its socket.
func dialSocket(ctx context.Context, path string, died <-chan struct{}) (net.Conn, error) {
	deadline := time.Now().Add(handshakeTimeout)
	for {
		nc, err := net.Dial("unix", path)
		if err == nil {
			return nc, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("worker: dial %s: %w", path, common.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-died:
			return nil, fmt.Errorf("worker: exited before binding socket")
		case <-time.After(dialRetryInterval):
		}
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("worker: hash %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("worker: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
