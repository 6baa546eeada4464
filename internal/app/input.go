package app

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/muesli/cancelreader"
)

// inputSource delivers raw host input. stop must return only once nothing
// reads the underlying stream any more, so a prompt can take it over.
type inputSource interface {
	start() (<-chan []byte, error)
	stop()
}

// stdinSource reads a file through a cancelable reader.
type stdinSource struct {
	in *os.File

	mu   sync.Mutex
	cr   cancelreader.CancelReader
	done chan struct{}
	quit chan struct{}
}

func (s *stdinSource) start() (<-chan []byte, error) {
	cr, err := cancelreader.NewReader(s.in)
	if err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	done := make(chan struct{})
	quit := make(chan struct{})

	s.mu.Lock()
	s.cr, s.done, s.quit = cr, done, quit
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer close(ch)
		buf := make([]byte, 4096)
		for {
			n, err := cr.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				select {
				case ch <- b:
				case <-quit:
					return
				}
			}
			if err != nil {
				if !errors.Is(err, cancelreader.ErrCanceled) && !errors.Is(err, io.EOF) {
					log().Warn("reading input failed", "error", err)
				}
				return
			}
		}
	}()
	return ch, nil
}

func (s *stdinSource) stop() {
	s.mu.Lock()
	cr, done, quit := s.cr, s.done, s.quit
	s.cr = nil
	s.mu.Unlock()
	if cr == nil {
		return
	}
	close(quit)
	cr.Cancel()
	<-done
	cr.Close()
}
