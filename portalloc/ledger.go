package portalloc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ledger maps reserved ports to their expiry. It is persisted in the lock
// file as "port unix-seconds" lines and only touched while the lock is held.
type ledger map[int]time.Time

func readLedger(f *os.File) (ledger, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("portalloc: read ledger: %w", err)
	}
	l := make(ledger)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		port, err := strconv.Atoi(fields[0])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		secs, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		l[port] = time.Unix(secs, 0).UTC()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("portalloc: read ledger: %w", err)
	}
	return l, nil
}

func (l ledger) expire(now time.Time) {
	for port, until := range l {
		if !until.After(now) {
			delete(l, port)
		}
	}
}

func (l ledger) reserved(port int) bool {
	_, ok := l[port]
	return ok
}

func (l ledger) reserve(port int, until time.Time) {
	l[port] = until
}

func (l ledger) write(f *os.File) error {
	ports := make([]int, 0, len(l))
	for port := range l {
		ports = append(ports, port)
	}
	slices.Sort(ports)
	var b strings.Builder
	for _, port := range ports {
		fmt.Fprintf(&b, "%d %d\n", port, l[port].Unix())
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("portalloc: write ledger: %w", err)
	}
	if _, err := f.WriteAt([]byte(b.String()), 0); err != nil {
		return fmt.Errorf("portalloc: write ledger: %w", err)
	}
	return nil
}
