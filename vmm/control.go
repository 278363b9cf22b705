package vmm

// The control socket a running instance listens on. A client connects,
// sends one newline-terminated command, and reads the response:
//
//	DUMP   human-readable machine state, one shot
//	CORE   framed core dump (snapshot plus guest memory)
//	QUIT   shut the machine down; replies OK before doing so
//
// The dump subcommand is the usual client.

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"github.com/gosmp/gosmp/snapshot"
)

// SocketPath returns the default Unix socket path for the given PID.
func SocketPath(pid int) string {
	return fmt.Sprintf("/tmp/gosmp-%d.sock", pid)
}

// StartControlSocket listens on a Unix domain socket and serves control
// commands. An empty path selects the default for this process.
func (v *VMM) StartControlSocket(path string) (string, error) {
	if path == "" {
		path = SocketPath(os.Getpid())
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	v.ln = l

	go func() {
		defer os.Remove(path)

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go v.handleControl(conn)
		}
	}()

	return path, nil
}

func (v *VMM) handleControl(conn net.Conn) {
	defer conn.Close()

	buf := new(strings.Builder)

	tmp := make([]byte, 256)

	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}

		if err != nil {
			break
		}

		if strings.Contains(buf.String(), "\n") {
			break
		}
	}

	line := strings.TrimSpace(buf.String())

	switch line {
	case "DUMP":
		if err := v.Machine.Dump(conn); err != nil {
			log.Printf("vmm: dump failed: %v", err)
		}
	case "CORE":
		if err := snapshot.WriteCore(conn, v.Machine); err != nil {
			log.Printf("vmm: core dump failed: %v", err)
		}
	case "QUIT":
		_, _ = conn.Write([]byte("OK\n"))

		if err := v.Machine.Shutdown(); err != nil {
			log.Printf("vmm: shutdown: %v", err)
		}
	default:
		_, _ = conn.Write([]byte("ERROR unknown command\n"))
	}
}
