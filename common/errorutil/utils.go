package errorutil

import (
	"context"

	"go.uber.org/zap"

	logutil "github.com/wfchen/durable/common/log"
)

func PanicIfError(err error) {
	if err == nil {
		return
	}
	logutil.Logger(context.Background()).Fatal("panic : ", zap.Error(err))
	logutil.Sync()
	panic(err)
}
