// Package readynotify sends the one-shot sd_notify READY=1 datagram systemd
// expects from a Type=notify service once startup has finished.
package readynotify

import (
	"net"
	"os"
	"strings"
	"sync"
)

var once sync.Once

// Notify sends "READY=1\n" to $NOTIFY_SOCKET if set, then unsets it so a
// later accidental call (or a child process inheriting the environment)
// can never resend on our behalf. Safe to call more than once per process;
// only the first call has any effect.
func Notify() error {
	var sendErr error
	once.Do(func() {
		sendErr = notifyOnce()
	})
	return sendErr
}

func notifyOnce() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	defer os.Unsetenv("NOTIFY_SOCKET")

	if strings.HasPrefix(addr, "@") {
		addr = "\x00" + addr[1:]
	}

	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte("READY=1\n"))
	return err
}
