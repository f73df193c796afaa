package runner

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/wfchen/durable/common/errorutil"
	logutil "github.com/wfchen/durable/common/log"
)

type Service interface {
	Start() error
	Stop() error
}

type ServiceRunner interface {
	Wait()
}

// RunService starts s, installs signal handling and returns a runner whose
// Wait blocks until the service stops.
func RunService(s Service) ServiceRunner {
	r := newServiceRunner(s)
	r.run()
	return r
}

func newServiceRunner(s Service) *serviceRunner {
	return &serviceRunner{
		service: s,
	}
}

type serviceRunner struct {
	service Service

	stopped int32

	wg sync.WaitGroup
}

func (r *serviceRunner) run() {
	r.wg.Add(1)
	go r.handleSignal()
	go r.handleStart()
}

func (r *serviceRunner) handleStart() {
	func() {
		defer errorutil.Recovery()
		err := r.service.Start()
		if err != nil {
			logutil.Logger(context.Background()).Fatal(err.Error())
		}
	}()
	if atomic.LoadInt32(&r.stopped) == 0 {
		r.wg.Done()
	}
}

func (r *serviceRunner) handleSignal() {
	SignalHandle(func(sig os.Signal) bool {
		logutil.Logger(context.Background()).Info("received ", zap.String("signal", sig.String()))
		switch sig {
		case syscall.SIGPIPE:
			return false
		default:
			atomic.StoreInt32(&r.stopped, 1)
			r.service.Stop()
			r.wg.Done()
			return true
		}
	})
}

func (r *serviceRunner) Wait() {
	r.wg.Wait()
	logutil.Sync()
}
