package runner

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalHandle(t *testing.T) {
	got := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		SignalHandle(func(sig os.Signal) bool {
			got <- sig
			return true
		})
		close(done)
	}()

	// let Notify install before raising the signal
	time.Sleep(time.Millisecond * 50)
	assert.Nil(t, syscall.Kill(os.Getpid(), syscall.SIGPIPE))

	select {
	case sig := <-got:
		assert.Equal(t, syscall.SIGPIPE, sig)
	case <-time.After(time.Second * 2):
		t.Fatal("signal not delivered")
	}

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("handler loop did not return")
	}
}
