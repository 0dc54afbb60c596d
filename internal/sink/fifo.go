package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
)

// FIFOOpener opens a named pipe for writing, blocking (per the O_WRONLY
// semantics of a FIFO on Linux) until a reader attaches. Used as the
// default Opener for the output pipe configured via output.pipe.
type FIFOOpener struct {
	Path string
}

// Open implements Opener.
func (o FIFOOpener) Open(ctx context.Context) (io.WriteCloser, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(o.Path, os.O_WRONLY, 0)
		ch <- result{f, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("sink: opening fifo %s: %w", o.Path, r.err)
		}
		setPipeBufferSize(r.f, 1<<20)
		return r.f, nil
	}
}

// setPipeBufferSize best-effort grows the kernel pipe buffer to n bytes
// via fcntl(F_SETPIPE_SZ), ignored on platforms that don't support it.
// Using syscall directly rather than golang.org/x/sys/unix: no pack
// dependency wraps this specific Linux-only fcntl, and it is a single
// call with no portability surface worth a dependency.
func setPipeBufferSize(f *os.File, n int) {
	const fSetPipeSz = 1031 // Linux F_SETPIPE_SZ
	sc, err := f.SyscallConn()
	if err != nil {
		return
	}
	sc.Control(func(fd uintptr) {
		syscall.Syscall(syscall.SYS_FCNTL, fd, fSetPipeSz, uintptr(n))
	})
}
