package main

import (
	"flag"

	"github.com/wfchen/durable/common/errorutil"
	"github.com/wfchen/durable/common/runner"
	"github.com/wfchen/durable/orc/config"
	"github.com/wfchen/durable/orc/service"
)

var (
	configFile = flag.String("config", "", "config file path")
)

func main() {
	flag.Parse()
	errorutil.PanicIfError(config.InitConfig(*configFile))

	runner.RunService(service.NewOrc()).Wait()
}
